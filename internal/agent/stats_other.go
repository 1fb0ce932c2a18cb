//go:build !linux

package agent

import "errors"

var errUnsupported = errors.New("host stats are only collected on linux")

func readMemory() (usage, error) { return usage{}, errUnsupported }

func readStorage(string) (usage, error) { return usage{}, errUnsupported }

type cpuSampler struct{}

func (*cpuSampler) sample() (float64, error) { return 0, errUnsupported }
