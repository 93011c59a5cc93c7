package rest

import (
	"context"
	"encoding/json"
	"strings"

	"chatsync/internal/gateway"

	"github.com/valyala/fasthttp"
)

var _ gateway.Storage = (*Client)(nil)

// CreateSignedUpload asks the gateway for a short-lived upload URL.
func (c *Client) CreateSignedUpload(ctx context.Context, bucket, path string) (gateway.SignedUpload, error) {
	resp, err := c.do(ctx, request{
		op: "sign_upload", table: bucket, method: fasthttp.MethodPost,
		path: "/storage/v1/object/upload/sign/" + bucket + "/" + strings.TrimLeft(path, "/"),
	})
	if err != nil {
		return gateway.SignedUpload{}, err
	}
	var signed gateway.SignedUpload
	if err := json.Unmarshal(resp.body, &signed); err != nil {
		return gateway.SignedUpload{}, gateway.Wrap(gateway.Transient, "decode signed upload", err)
	}
	return signed, nil
}

// Upload PUTs data to a signed upload URL.
func (c *Client) Upload(ctx context.Context, signed gateway.SignedUpload, contentType string, data []byte) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(signed.URL)
	req.Header.SetMethod(fasthttp.MethodPut)
	req.Header.SetContentType(contentType)
	req.SetBody(data)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.http.DoTimeout(req, resp, c.timeout); err != nil {
		return gateway.Wrap(gateway.Transient, "upload object", err)
	}
	if status := resp.StatusCode(); status < 200 || status > 299 {
		return gateway.NewError(gateway.KindForStatus(status), "storage", "upload rejected: "+string(resp.Body()))
	}
	return nil
}
