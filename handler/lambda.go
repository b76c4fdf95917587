package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"council-agent/internal/usecase"
)

// Handle routes an API Gateway proxy event to its endpoint.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	req := Request{
		Headers: event.Headers,
		Query:   event.QueryStringParameters,
		Body:    []byte(event.Body),
	}
	if event.IsBase64Encoded {
		if decoded, err := base64.StdEncoding.DecodeString(event.Body); err == nil {
			req.Body = decoded
		}
	}
	if req.Query == nil {
		req.Query = map[string]string{}
	}

	route := RouteNotFound
	rs, params, found, pathMatched := matchRoute(event.HTTPMethod, event.Path)
	switch {
	case found:
		route = rs.Route
		req.Params = params
	case pathMatched:
		route = RouteMethodNotAllowed
	}
	return h.respond(h.Dispatch(ctx, route, req)), nil
}

func (h *Handler) respond(res Result) events.APIGatewayProxyResponse {
	headers := map[string]string{"Content-Type": "application/json"}
	if h.corsOrigin != "" {
		headers["Access-Control-Allow-Origin"] = h.corsOrigin
	}
	for k, v := range res.Headers {
		headers[k] = v
	}

	body, err := json.Marshal(res.Body)
	if err != nil {
		h.logger.Error("response_encode_failed", zap.Error(err))
		body, _ = json.Marshal(errorResponse{Error: errorBody{Code: string(usecase.ErrorInternal), Message: internalMessage}})
		res.Status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: res.Status,
		Headers:    headers,
		Body:       string(body),
	}
}
