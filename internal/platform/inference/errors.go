package inference

import (
	"errors"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	openai "github.com/sashabaranov/go-openai"

	"github.com/yungbote/memory-import/internal/pkg/httpx"
)

// statusOf digs an HTTP status out of provider and transport errors.
func statusOf(err error) (int, bool) {
	var oaAPI *openai.APIError
	if errors.As(err, &oaAPI) && oaAPI.HTTPStatusCode != 0 {
		return oaAPI.HTTPStatusCode, true
	}
	var oaReq *openai.RequestError
	if errors.As(err, &oaReq) && oaReq.HTTPStatusCode != 0 {
		return oaReq.HTTPStatusCode, true
	}
	var anReq *anthropic.RequestError
	if errors.As(err, &anReq) && anReq.StatusCode != 0 {
		return anReq.StatusCode, true
	}
	var sc httpx.HTTPStatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatusCode(), true
	}
	return 0, false
}

// kindOf returns the provider's error type when no status is available.
func kindOf(err error) (string, bool) {
	var anAPI *anthropic.APIError
	if errors.As(err, &anAPI) {
		return string(anAPI.Type), true
	}
	return "", false
}
