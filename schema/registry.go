// Package schema holds the typed event schema registry. Every payload
// published on a stream or the observation bus is validated here: at
// publish time a violation refuses the publish, at consume time it is a
// warning (skip, log, ack) so a single bad entry cannot poison a stream.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tradewire/signalbus"
)

// Registry validates event payloads against compiled JSON schemas, one per
// event type. Construct once at startup and share; it is immutable and safe
// for concurrent use.
type Registry struct {
	schemas map[signalbus.EventType]*jsonschema.Schema
}

// ErrUnknownEventType is returned when a payload names an event type
// outside the closed set.
var ErrUnknownEventType = fmt.Errorf("unknown event type")

// NewRegistry compiles the schema for every event type in the closed set.
func NewRegistry() (*Registry, error) {
	compiled := make(map[signalbus.EventType]*jsonschema.Schema, len(eventSchemas))
	for et, doc := range eventSchemas {
		var schemaDoc any
		if err := json.Unmarshal([]byte(doc), &schemaDoc); err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", et, err)
		}
		c := jsonschema.NewCompiler()
		name := string(et) + ".json"
		if err := c.AddResource(name, schemaDoc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", et, err)
		}
		s, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", et, err)
		}
		compiled[et] = s
	}
	return &Registry{schemas: compiled}, nil
}

// Validate checks a JSON payload against the schema for the event type.
// Symbol-bearing payloads additionally pass the closed-set and forbidden
// guards, which run outside the compiled schema.
func (r *Registry) Validate(et signalbus.EventType, payload []byte) error {
	s, ok := r.schemas[et]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, et)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", et, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%s payload invalid: %w", et, err)
	}
	if m, ok := doc.(map[string]any); ok {
		if sym, ok := m["symbol"].(string); ok {
			if _, err := CheckSymbol(sym); err != nil {
				return err
			}
		}
	}
	return nil
}

// eventSchemas declares the field-level constraints for the eight event
// types. Symbol enums are deliberately not encoded here: the closed-set and
// forbidden checks live in CheckSymbol so they hold even when a schema is
// relaxed.
var eventSchemas = map[signalbus.EventType]string{
	signalbus.EventSignalGenerated: `{
		"type": "object",
		"required": ["symbol", "direction", "entry", "sl", "tp", "confidence"],
		"properties": {
			"signal_id": {"type": "string", "maxLength": 64},
			"symbol": {"type": "string", "minLength": 6, "maxLength": 12},
			"direction": {"enum": ["BUY", "SELL"]},
			"entry": {"type": "number", "exclusiveMinimum": 0},
			"sl": {"type": "number", "exclusiveMinimum": 0},
			"tp": {"type": "number", "exclusiveMinimum": 0},
			"confidence": {"type": "number", "minimum": 0, "maximum": 100},
			"pattern": {"type": "string", "maxLength": 64}
		}
	}`,
	signalbus.EventFireCommand: `{
		"type": "object",
		"required": ["fire_id", "user_id", "target_uuid", "symbol", "direction", "lot"],
		"properties": {
			"fire_id": {"type": "string", "minLength": 1, "maxLength": 64},
			"idem_key": {"type": "string", "maxLength": 128},
			"user_id": {"type": "string", "minLength": 1, "maxLength": 64},
			"signal_id": {"type": "string", "maxLength": 64},
			"target_uuid": {"type": "string", "minLength": 1, "maxLength": 64},
			"symbol": {"type": "string", "minLength": 6, "maxLength": 12},
			"direction": {"enum": ["BUY", "SELL"]},
			"lot": {"type": "number", "exclusiveMinimum": 0, "maximum": 100},
			"sl": {"type": "number", "minimum": 0},
			"tp": {"type": "number", "minimum": 0},
			"comment": {"type": "string", "maxLength": 128},
			"dry_run": {"type": "boolean"}
		}
	}`,
	signalbus.EventTradeExecuted: `{
		"type": "object",
		"required": ["fire_id", "status"],
		"properties": {
			"fire_id": {"type": "string", "minLength": 1, "maxLength": 64},
			"signal_id": {"type": "string", "maxLength": 64},
			"user_id": {"type": "string", "maxLength": 64},
			"status": {"enum": ["FILLED", "REJECTED", "CANCELLED"]},
			"ticket": {"type": "string", "maxLength": 32},
			"price": {"type": "number", "minimum": 0},
			"volume": {"type": "number", "minimum": 0}
		}
	}`,
	signalbus.EventBalanceUpdate: `{
		"type": "object",
		"required": ["target_uuid", "balance", "equity"],
		"properties": {
			"target_uuid": {"type": "string", "minLength": 1, "maxLength": 64},
			"user_id": {"type": "string", "maxLength": 64},
			"balance": {"type": "number"},
			"equity": {"type": "number"}
		}
	}`,
	signalbus.EventSystemHealth: `{
		"type": "object",
		"required": ["component", "status"],
		"properties": {
			"component": {"type": "string", "minLength": 1, "maxLength": 64},
			"status": {"enum": ["ok", "degraded", "down"]},
			"detail": {"type": "string", "maxLength": 512}
		}
	}`,
	signalbus.EventUserAction: `{
		"type": "object",
		"required": ["user_id", "action"],
		"properties": {
			"user_id": {"type": "string", "minLength": 1, "maxLength": 64},
			"action": {"type": "string", "minLength": 1, "maxLength": 64},
			"detail": {"type": "string", "maxLength": 512}
		}
	}`,
	signalbus.EventMarketData: `{
		"type": "object",
		"required": ["symbol", "bid", "ask"],
		"properties": {
			"symbol": {"type": "string", "minLength": 6, "maxLength": 12},
			"bid": {"type": "number", "exclusiveMinimum": 0},
			"ask": {"type": "number", "exclusiveMinimum": 0},
			"spread": {"type": "number", "minimum": 0}
		}
	}`,
	signalbus.EventPatternDetected: `{
		"type": "object",
		"required": ["symbol", "pattern"],
		"properties": {
			"symbol": {"type": "string", "minLength": 6, "maxLength": 12},
			"pattern": {"type": "string", "minLength": 1, "maxLength": 64},
			"confidence": {"type": "number", "minimum": 0, "maximum": 100}
		}
	}`,
}
