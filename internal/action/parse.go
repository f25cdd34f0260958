package action

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// actionSchemaJSON constrains model output to the seven known shapes.
// Extra keys are tolerated; the discriminator and per-variant required
// fields are not negotiable.
const actionSchemaJSON = `{
	"type": "object",
	"required": ["type"],
	"oneOf": [
		{
			"properties": {"type": {"const": "do_nothing"}, "reason": {"type": "string"}},
			"required": ["type"]
		},
		{
			"properties": {
				"type": {"const": "create_listing"},
				"title": {"type": "string", "minLength": 1},
				"description": {"type": "string"},
				"category": {"type": "string"},
				"price_cents": {"type": "integer", "minimum": 1},
				"currency": {"type": "string"}
			},
			"required": ["type", "title", "price_cents"]
		},
		{
			"properties": {
				"type": {"const": "update_listing"},
				"listing_id": {"type": "string", "minLength": 1},
				"title": {"type": "string"},
				"description": {"type": "string"},
				"price_cents": {"type": "integer", "minimum": 1},
				"active": {"type": "boolean"}
			},
			"required": ["type", "listing_id"]
		},
		{
			"properties": {
				"type": {"const": "buy_listing"},
				"listing_id": {"type": "string", "minLength": 1}
			},
			"required": ["type", "listing_id"]
		},
		{
			"properties": {
				"type": {"const": "send_message"},
				"recipient_id": {"type": "string"},
				"content": {"type": "string", "minLength": 1},
				"is_public": {"type": "boolean"}
			},
			"required": ["type", "content"]
		},
		{
			"properties": {
				"type": {"const": "deliver"},
				"escrow_id": {"type": "string", "minLength": 1},
				"deliverable": {"type": "string"}
			},
			"required": ["type", "escrow_id"]
		},
		{
			"properties": {
				"type": {"const": "release"},
				"escrow_id": {"type": "string", "minLength": 1}
			},
			"required": ["type", "escrow_id"]
		}
	]
}`

var actionSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(actionSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("action schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("action.json", doc); err != nil {
		panic(fmt.Sprintf("action schema: %v", err))
	}
	schema, err := c.Compile("action.json")
	if err != nil {
		panic(fmt.Sprintf("action schema: %v", err))
	}
	return schema
}

// Parse finds the first JSON object in the model's free-text reply and
// decodes it into one of the seven action variants. The returned string is
// the extracted JSON, for the execution log. Callers degrade any error to
// DoNothing; Parse itself stays honest about what went wrong.
func Parse(text string) (Action, string, error) {
	jsonStr := extractJSON(text)
	if jsonStr == "" {
		return nil, "", fmt.Errorf("no JSON object in reply")
	}

	// json.Number handling: the validator needs jsonschema's own decoding.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, "", fmt.Errorf("invalid JSON: %w", err)
	}
	if err := actionSchema.Validate(doc); err != nil {
		return nil, "", fmt.Errorf("not a known action shape: %w", err)
	}

	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &tag); err != nil {
		return nil, "", fmt.Errorf("read action type: %w", err)
	}

	var act Action
	switch tag.Type {
	case KindDoNothing:
		var a DoNothing
		err = json.Unmarshal([]byte(jsonStr), &a)
		act = a
	case KindCreateListing:
		var a CreateListing
		err = json.Unmarshal([]byte(jsonStr), &a)
		act = a
	case KindUpdateListing:
		var a UpdateListing
		err = json.Unmarshal([]byte(jsonStr), &a)
		act = a
	case KindBuyListing:
		var a BuyListing
		err = json.Unmarshal([]byte(jsonStr), &a)
		act = a
	case KindSendMessage:
		var a SendMessage
		err = json.Unmarshal([]byte(jsonStr), &a)
		act = a
	case KindDeliver:
		var a Deliver
		err = json.Unmarshal([]byte(jsonStr), &a)
		act = a
	case KindRelease:
		var a Release
		err = json.Unmarshal([]byte(jsonStr), &a)
		act = a
	default:
		return nil, "", fmt.Errorf("unknown action type %q", tag.Type)
	}
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", tag.Type, err)
	}
	return act, jsonStr, nil
}

// extractJSON finds a JSON object or array in the reply text.
func extractJSON(text string) string {
	// 1. Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Raw JSON: first { or [ with a balanced close.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of the
// string, respecting strings and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}

		if ch == '\\' && inString {
			escaped = true
			continue
		}

		if ch == '"' {
			inString = !inString
			continue
		}

		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
