package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/proofcaptcha/proofcaptcha/pkg/captcha"
)

// maxBodyBytes bounds request bodies; every legitimate payload is tiny.
const maxBodyBytes = 64 << 10

var encryptedPayloadSchema = `{
	"type": "object",
	"required": ["ciphertext", "iv", "tag"],
	"properties": {
		"ciphertext": {"type": "string", "minLength": 1},
		"iv": {"type": "string", "minLength": 1},
		"tag": {"type": "string", "minLength": 1}
	}
}`

var detectionsSchema = `{
	"type": "object",
	"properties": {
		"webdriver": {"type": "boolean"},
		"missingPlugins": {"type": "boolean"},
		"missingLanguages": {"type": "boolean"},
		"phantomMarkers": {"type": "boolean"},
		"seleniumMarkers": {"type": "boolean"}
	}
}`

var (
	handshakeSchema = jsonschema.MustCompileString("handshake.json", `{
		"type": "object",
		"required": ["clientPublicKey"],
		"properties": {
			"clientPublicKey": {"type": "string", "minLength": 1}
		}
	}`)

	challengeSchema = jsonschema.MustCompileString("challenge.json", `{
		"type": "object",
		"required": ["sitekey"],
		"properties": {
			"sitekey": {"type": "string", "minLength": 1, "maxLength": 64},
			"type": {"enum": ["random", "image", "math"]},
			"clientPublicKey": {"type": "string", "maxLength": 512},
			"detections": `+detectionsSchema+`
		}
	}`)

	verifySchema = jsonschema.MustCompileString("verify.json", `{
		"type": "object",
		"required": ["token"],
		"properties": {
			"token": {"type": "string", "minLength": 1, "maxLength": 128},
			"signature": {"type": "string", "maxLength": 128},
			"solution": {"type": "integer", "minimum": 0},
			"answer": {"type": "string", "maxLength": 64},
			"encrypted": `+encryptedPayloadSchema+`,
			"clientPublicKey": {"type": "string", "maxLength": 512},
			"detections": `+detectionsSchema+`
		}
	}`)

	siteverifySchema = jsonschema.MustCompileString("siteverify.json", `{
		"type": "object",
		"required": ["secret", "token"],
		"properties": {
			"secret": {"type": "string", "minLength": 1, "maxLength": 128},
			"token": {"type": "string", "minLength": 1, "maxLength": 128},
			"remoteip": {"type": "string", "maxLength": 64}
		}
	}`)
)

// decodeValidated reads the body once, validates it against the schema, and
// decodes it into dst.
func decodeValidated(r *http.Request, schema *jsonschema.Schema, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return captcha.AsError(err)
	}
	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		return badRequest("request body is not valid JSON")
	}
	if err := schema.Validate(generic); err != nil {
		return badRequest("request body failed validation")
	}
	return json.NewDecoder(bytes.NewReader(body)).Decode(dst)
}

func badRequest(msg string) error {
	return &captcha.Error{Code: captcha.CodeBadRequest, Message: msg}
}
