// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/jsonschema-go/jsonschema"
)

var structValidator = validator.New()

// OutgoingPayload is the shape of the `message` field on an outbound
// `message` or `message_with_fields` frame (spec.md §6). Struct tags
// drive validator.v10 checks before the frame is handed to the
// Connection Engine's transport.
type OutgoingPayload struct {
	Type  MessageType `validate:"required"`
	Text  string      `validate:"required_if=Type text"`
	Media *Media      `validate:"required_if=Type image,required_if=Type video,required_if=Type audio,required_if=Type file"`
}

// ValidateOutgoingPayload enforces the per-type shape rules of §6's
// outbound payload contract, returning a ValidationError on failure.
func ValidateOutgoingPayload(p OutgoingPayload) error {
	if err := structValidator.Struct(p); err != nil {
		return validationErrorf("outbound payload: %v", err)
	}
	switch p.Type {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageFile,
		MessageLocation, MessageInteractive, MessageOrder, MessageSetCustomField:
		return nil
	default:
		return validationErrorf("unsupported outbound message type %q", p.Type)
	}
}

// leafSchemas are resolved once from Go types via jsonschema.For. A
// custom field value is accepted if it validates against any one of them.
var leafSchemas []*jsonschema.Resolved

func init() {
	for _, build := range []func() (*jsonschema.Schema, error){
		func() (*jsonschema.Schema, error) { return jsonschema.For[string](nil) },
		func() (*jsonschema.Schema, error) { return jsonschema.For[float64](nil) },
		func() (*jsonschema.Schema, error) { return jsonschema.For[bool](nil) },
	} {
		schema, err := build()
		if err != nil {
			continue
		}
		resolved, err := schema.Resolve(nil)
		if err != nil {
			continue
		}
		leafSchemas = append(leafSchemas, resolved)
	}
}

// ValidateCustomFields restricts `message_with_fields`/`set_custom_field`'s
// free-form `data` map to flat string/number/bool leaf values, so a caller
// can't accidentally ship nested structures the server rejects.
func ValidateCustomFields(data map[string]any) error {
	for k, v := range data {
		ok := false
		for _, schema := range leafSchemas {
			if schema.Validate(v) == nil {
				ok = true
				break
			}
		}
		if !ok {
			return validationErrorf("custom field %q must be a string, number, or boolean", k)
		}
	}
	return nil
}

// parseUnverifiedJWTClaims reads a JWT's claims without checking its
// signature. The core never issues or verifies tokens; this exists only
// to surface a clearer pre-flight warning than the server's generic
// rejection when a statically configured session token has already
// expired (SPEC_FULL.md §4.4).
func parseUnverifiedJWTClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	_, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return nil, fmt.Errorf("parse unverified jwt: %w", err)
	}
	return claims, nil
}
