package main

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"mealplanagent/app"
	"mealplanagent/ingress"
	"mealplanagent/ingress/httpapi"
)

func main() {
	ctx := context.Background()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to decode: %s", err)
	}
	if cfg.Ingress.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}
	if cfg.Ingress.WorkerURL == "" {
		log.Fatal("WORKER_URL must be set; the ingress never runs jobs itself")
	}

	a, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to build application: %s", err)
	}
	router := httpapi.NewRouter(a.Ingress, ingress.NewAuthenticator(cfg.Ingress.JWTSecret), cfg.Ingress.WorkerSecret)

	fn := func(ctx context.Context, ev events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		req, err := toHTTPRequest(ctx, ev)
		if err != nil {
			return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusBadRequest, Body: `{"error":"malformed request"}`}, nil
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		headers := map[string]string{}
		for k, v := range rec.Header() {
			headers[k] = strings.Join(v, ",")
		}
		return events.APIGatewayV2HTTPResponse{
			StatusCode: rec.Code,
			Headers:    headers,
			Body:       rec.Body.String(),
		}, nil
	}

	lambda.Start(fn)
}

func toHTTPRequest(ctx context.Context, ev events.APIGatewayV2HTTPRequest) (*http.Request, error) {
	body := ev.Body
	if ev.IsBase64Encoded {
		b, err := base64.StdEncoding.DecodeString(ev.Body)
		if err != nil {
			return nil, err
		}
		body = string(b)
	}
	url := ev.RawPath
	if ev.RawQueryString != "" {
		url += "?" + ev.RawQueryString
	}
	req, err := http.NewRequestWithContext(ctx, ev.RequestContext.HTTP.Method, url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range ev.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}
