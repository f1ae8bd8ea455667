package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"

	tb "github.com/ineyio/tryonbroker"
)

// submitRequest is the fixed queue request body. Missing parameters are sent
// as null; the provider validates them.
type submitRequest struct {
	ModelImage       any    `json:"model_image"`
	GarmentImage     any    `json:"garment_image"`
	Category         any    `json:"category"`
	Mode             any    `json:"mode"`
	GarmentPhotoType any    `json:"garment_photo_type"`
	ModerationLevel  string `json:"moderation_level"`
	NumSamples       int    `json:"num_samples"`
	SegmentationFree bool   `json:"segmentation_free"`
	OutputFormat     string `json:"output_format"`
}

func buildSubmitRequest(p tb.Params) submitRequest {
	return submitRequest{
		ModelImage:       p["model"],
		GarmentImage:     p["garment"],
		Category:         p["category"],
		Mode:             p["mode"],
		GarmentPhotoType: p["garmentPhotoType"],
		ModerationLevel:  "permissive",
		NumSamples:       1,
		SegmentationFree: true,
		OutputFormat:     "png",
	}
}

// Submit queues a try-on job and returns its status handle.
func (c *Client) Submit(ctx context.Context, secret tb.Secret, params tb.Params) (tb.JobHandle, error) {
	body, err := json.Marshal(buildSubmitRequest(params))
	if err != nil {
		return tb.JobHandle{}, &tb.SubmissionError{Err: err}
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.queueURL, secret, bytes.NewReader(body))
	if err != nil {
		return tb.JobHandle{}, &tb.SubmissionError{Err: err}
	}

	status, respBody, err := c.do(req)
	if err != nil {
		return tb.JobHandle{}, &tb.SubmissionError{StatusCode: status, Err: err}
	}
	if !isSuccess(status) {
		return tb.JobHandle{}, &tb.SubmissionError{StatusCode: status, Body: snippet(respBody)}
	}

	statusURL := gjson.GetBytes(respBody, "status_url")
	if statusURL.Type != gjson.String || statusURL.Str == "" {
		return tb.JobHandle{}, &tb.SubmissionError{StatusCode: status, Body: snippet(respBody)}
	}

	return tb.JobHandle{
		RequestID:   gjson.GetBytes(respBody, "request_id").String(),
		StatusURL:   statusURL.Str,
		ResponseURL: gjson.GetBytes(respBody, "response_url").String(),
	}, nil
}
