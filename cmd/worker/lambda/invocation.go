package main

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"mealplanagent"
	"mealplanagent/dispatch"
)

// decodeInvocation accepts either a direct invoke payload or a function url
// request as posted by the http dispatcher. Function url requests must carry
// the worker secret.
func decodeInvocation(payload []byte, secret string) (dispatch.Invocation, error) {
	const op = "decode invocation"
	var inv dispatch.Invocation

	var req events.LambdaFunctionURLRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.RequestContext.HTTP.Method == "" {
		if err := json.Unmarshal(payload, &inv); err != nil {
			return inv, mealplanagent.Wrap(mealplanagent.KindValidation, op, err)
		}
		return inv, nil
	}

	var got string
	for k, v := range req.Headers {
		if strings.EqualFold(k, dispatch.SecretHeader) {
			got = v
		}
	}
	if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return inv, mealplanagent.Errorf(mealplanagent.KindAuthorization, op, "missing or wrong worker secret")
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		b, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return inv, mealplanagent.Wrap(mealplanagent.KindValidation, op, err)
		}
		body = b
	}
	if err := json.Unmarshal(body, &inv); err != nil {
		return inv, mealplanagent.Wrap(mealplanagent.KindValidation, op, err)
	}
	return inv, nil
}
