package packet

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Endpoint is one side of a packet exchange.
type Endpoint uint8

const (
	Relay Endpoint = iota
	Dashboard
	Daemon
)

func (e Endpoint) String() string {
	switch e {
	case Relay:
		return "relay"
	case Dashboard:
		return "dashboard"
	case Daemon:
		return "daemon"
	default:
		return "unknown"
	}
}

const (
	WSAuth ID = iota
	DSAuth
	SWHandshakeRequest
	SDHandshakeRequest
	WSHandshakeResponse
	DSHandshakeResponse
	SWAuthResponse
	SDAuthResponse
	WSListen
	SDListen
	DSEvent
	SWEvent
	WSSync
	SDSync
)

// Spec describes one row of the packet table.
type Spec struct {
	ID   ID
	Name string
	From Endpoint
	To   Endpoint

	schema *jsonschema.Schema
}

func (s *Spec) validate(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: %s: empty data", ErrInvalidData, s.Name)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidData, s.Name, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidData, s.Name, err)
	}
	return nil
}

const (
	uuidPattern      = `"type":"string","pattern":"^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"`
	challengeSchema  = `{"type":"object","required":["challenge"],"properties":{"challenge":{"type":"string","minLength":1,"maxLength":1024}}}`
	authResultSchema = `{"type":"object","required":["success"],"properties":{"success":{"type":"boolean"}}}`
	eventSchema      = `{"type":"object","required":["type"],"properties":{"type":{"type":"string","minLength":1},"data":{}}}`
)

type row struct {
	id     ID
	name   string
	from   Endpoint
	to     Endpoint
	schema string
}

var v010 = []row{
	{WSAuth, "WSAuth", Dashboard, Relay,
		`{"type":"object","required":["user_id"],"properties":{"user_id":{"type":"integer","minimum":0},"public_key":{"type":"string"}}}`},
	{DSAuth, "DSAuth", Daemon, Relay,
		`{"type":"object","required":["daemon_uuid","public_key"],"properties":{"daemon_uuid":{` + uuidPattern + `},"public_key":{"type":"string","minLength":1}}}`},
	{SWHandshakeRequest, "SWHandshakeRequest", Relay, Dashboard, challengeSchema},
	{SDHandshakeRequest, "SDHandshakeRequest", Relay, Daemon, challengeSchema},
	{WSHandshakeResponse, "WSHandshakeResponse", Dashboard, Relay, challengeSchema},
	{DSHandshakeResponse, "DSHandshakeResponse", Daemon, Relay, challengeSchema},
	{SWAuthResponse, "SWAuthResponse", Relay, Dashboard, authResultSchema},
	{SDAuthResponse, "SDAuthResponse", Relay, Daemon, authResultSchema},
	{WSListen, "WSListen", Dashboard, Relay,
		`{"type":"object","required":["events"],"properties":{"events":{"type":"array","items":{"type":"object","required":["event","daemons"],"properties":{"event":{"type":"string","minLength":1},"daemons":{"type":"array","items":{` + uuidPattern + `}}}}}}}`},
	{SDListen, "SDListen", Relay, Daemon,
		`{"type":"object","required":["events"],"properties":{"events":{"type":"array","items":{"type":"string"}}}}`},
	{DSEvent, "DSEvent", Daemon, Relay,
		`{"type":"object","required":["event"],"properties":{"event":` + eventSchema + `,"daemon":{` + uuidPattern + `}}}`},
	{SWEvent, "SWEvent", Relay, Dashboard,
		`{"type":"object","required":["event","daemon"],"properties":{"event":` + eventSchema + `,"daemon":{` + uuidPattern + `}}}`},
	{WSSync, "WSSync", Dashboard, Relay,
		`{"type":"object","required":["daemon"],"properties":{"daemon":{` + uuidPattern + `}}}`},
	{SDSync, "SDSync", Relay, Daemon,
		`{"type":"object","properties":{"requested_at":{"type":"integer"}}}`},
}

var table = map[Version]map[ID]*Spec{}

func init() {
	specs, err := compile(V0_1_0, v010)
	if err != nil {
		panic(err)
	}
	table[V0_1_0] = specs
}

func compile(v Version, rows []row) (map[ID]*Spec, error) {
	c := jsonschema.NewCompiler()
	out := make(map[ID]*Spec, len(rows))
	for _, r := range rows {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(r.schema))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", r.name, err)
		}
		url := fmt.Sprintf("https://aesterisk.io/packets/%s/%s.json", v, r.name)
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", r.name, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", r.name, err)
		}
		out[r.id] = &Spec{ID: r.id, Name: r.name, From: r.from, To: r.to, schema: schema}
	}
	return out, nil
}

// Lookup returns the table entry for (v, id).
func Lookup(v Version, id ID) (*Spec, bool) {
	specs, ok := table[v]
	if !ok {
		return nil, false
	}
	spec, ok := specs[id]
	return spec, ok
}

func (id ID) String() string {
	if spec, ok := Lookup(Current, id); ok {
		return spec.Name
	}
	return fmt.Sprintf("ID(%d)", uint8(id))
}
