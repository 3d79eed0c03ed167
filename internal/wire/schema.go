package wire

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// packetSchema validates inbound sync packets before decoding. A packet
// failing here is dropped as malformed rather than half-applied.
const packetSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "type": "string",
      "enum": ["SI_FULL", "SI_DELTA", "SI_END", "SI_ACK"]
    },
    "packageName": {"type": "string"},
    "appName": {"type": "string"},
    "title": {"type": "string"},
    "text": {"type": "string"},
    "time": {"type": "integer"},
    "isLocked": {"type": "boolean"},
    "featureKeyName": {"type": "string"},
    "featureKeyValue": {"type": "string"},
    "param_v2_raw": {"type": "string"},
    "pics": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "pics_removed": {
      "type": "array",
      "items": {"type": "string"}
    },
    "terminateValue": {"type": "string"},
    "hash": {"type": "string"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "SI_FULL"}}},
      "then": {"required": ["packageName", "featureKeyValue"]}
    },
    {
      "if": {"properties": {"type": {"const": "SI_DELTA"}}},
      "then": {"required": ["packageName", "featureKeyValue"]}
    },
    {
      "if": {"properties": {"type": {"const": "SI_ACK"}}},
      "then": {"required": ["hash"]}
    }
  ]
}`

var compiledPacketSchema = jsonschema.MustCompileString("packet.json", packetSchema)

// ValidatePacket checks raw JSON against the packet schema.
func ValidatePacket(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("parse packet: %w", err)
	}
	if err := compiledPacketSchema.Validate(v); err != nil {
		return fmt.Errorf("validate packet: %w", err)
	}
	return nil
}
