// Package rest is the network client for the remote data gateway: table
// queries and RPC over its REST API, realtime over its websocket endpoint.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatsync/internal/gateway"
	"chatsync/internal/models"
	"chatsync/internal/observability"

	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel"
)

const (
	restPrefix     = "/rest/v1/"
	rpcPrefix      = "/rest/v1/rpc/"
	defaultTimeout = 10 * time.Second
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements gateway.Client and gateway.Storage against a gateway server.
type Client struct {
	base    string
	timeout time.Duration
	http    *fasthttp.Client

	mu      sync.RWMutex
	session Session

	rtMu sync.Mutex
	rt   *realtimeConn
}

// New creates a client. Call SignIn or SetSession before making requests.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout: timeout,
		http: &fasthttp.Client{
			Name:                "chatsync",
			MaxConnsPerHost:     64,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
	}
}

var _ gateway.Client = (*Client)(nil)

type request struct {
	op      string
	table   string
	method  string
	path    string
	query   []gateway.Filter
	args    map[string]string
	body    any
	headers map[string]string
}

type response struct {
	status int
	body   []byte
	header map[string]string
}

// do sends one request. Non-2xx answers become classified gateway errors.
func (c *Client) do(ctx context.Context, r request) (_ response, err error) {
	ctx, span := observability.GetTraceLayer().TraceGatewayCall(ctx, r.op, r.table)
	defer func() { observability.EndSpan(span, err) }()
	defer observability.TrackGatewayRequest(r.op, r.table)()

	if err := ctx.Err(); err != nil {
		return response{}, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + r.path)
	req.Header.SetMethod(r.method)
	args := req.URI().QueryArgs()
	for _, f := range r.query {
		args.Add(f.Column, f.Encode())
	}
	for k, v := range r.args {
		args.Set(k, v)
	}
	if token := c.token(); token != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+token)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{&req.Header})

	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return response{}, gateway.Wrap(gateway.Invalid, "encode request body", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(data)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return response{}, gateway.Wrap(gateway.Transient, r.method+" "+r.path, err)
	}

	out := response{
		status: resp.StatusCode(),
		body:   append([]byte(nil), resp.Body()...),
		header: map[string]string{"Content-Range": string(resp.Header.Peek("Content-Range"))},
	}
	if out.status < 200 || out.status > 299 {
		return out, decodeError(out.status, out.body)
	}
	return out, nil
}

func decodeError(status int, body []byte) error {
	var payload models.ErrorResponse
	_ = json.Unmarshal(body, &payload)
	msg := payload.Error
	if msg == "" {
		msg = fmt.Sprintf("gateway answered %d", status)
	}
	if payload.Details != "" {
		msg += ": " + payload.Details
	}
	return gateway.NewError(gateway.KindForStatus(status), payload.Code, msg)
}

func (c *Client) Select(ctx context.Context, q gateway.Query) ([]gateway.Row, error) {
	args := map[string]string{}
	if len(q.Columns) > 0 {
		args["select"] = strings.Join(q.Columns, ",")
	}
	if len(q.Order) > 0 {
		args["order"] = gateway.EncodeOrder(q.Order)
	}
	if q.Limit > 0 {
		args["limit"] = strconv.Itoa(q.Limit)
	}
	resp, err := c.do(ctx, request{
		op: "select", table: q.Table, method: fasthttp.MethodGet,
		path: restPrefix + q.Table, query: q.Filters, args: args,
	})
	if err != nil {
		return nil, err
	}
	return decodeRows(resp.body)
}

func (c *Client) Count(ctx context.Context, q gateway.Query) (int, error) {
	resp, err := c.do(ctx, request{
		op: "count", table: q.Table, method: fasthttp.MethodHead,
		path: restPrefix + q.Table, query: q.Filters,
		headers: map[string]string{"Prefer": "count=exact"},
	})
	if err != nil {
		return 0, err
	}
	return parseContentRange(resp.header["Content-Range"])
}

// parseContentRange reads the total from "0-24/120" or "*/120".
func parseContentRange(v string) (int, error) {
	_, total, ok := strings.Cut(v, "/")
	if !ok {
		return 0, gateway.NewError(gateway.Transient, "PGRST000", fmt.Sprintf("missing count in Content-Range %q", v))
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return 0, gateway.Wrap(gateway.Transient, "bad Content-Range total", err)
	}
	return n, nil
}

func (c *Client) Insert(ctx context.Context, table string, row gateway.Row) (gateway.Row, error) {
	resp, err := c.do(ctx, request{
		op: "insert", table: table, method: fasthttp.MethodPost,
		path: restPrefix + table, body: row,
		headers: map[string]string{"Prefer": "return=representation"},
	})
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows(resp.body)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, gateway.NewError(gateway.Transient, "PGRST000", fmt.Sprintf("insert returned %d rows", len(rows)))
	}
	return rows[0], nil
}

func (c *Client) Update(ctx context.Context, table string, filters []gateway.Filter, patch gateway.Row) ([]gateway.Row, error) {
	resp, err := c.do(ctx, request{
		op: "update", table: table, method: fasthttp.MethodPatch,
		path: restPrefix + table, query: filters, body: patch,
		headers: map[string]string{"Prefer": "return=representation"},
	})
	if err != nil {
		return nil, err
	}
	return decodeRows(resp.body)
}

func (c *Client) Delete(ctx context.Context, table string, filters []gateway.Filter) error {
	_, err := c.do(ctx, request{
		op: "delete", table: table, method: fasthttp.MethodDelete,
		path: restPrefix + table, query: filters,
	})
	return err
}

func (c *Client) RPC(ctx context.Context, fn string, args gateway.Row) (any, error) {
	if args == nil {
		args = gateway.Row{}
	}
	resp, err := c.do(ctx, request{
		op: "rpc", table: fn, method: fasthttp.MethodPost,
		path: rpcPrefix + fn, body: args,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.body) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, gateway.Wrap(gateway.Transient, "decode rpc result", err)
	}
	return out, nil
}

func decodeRows(body []byte) ([]gateway.Row, error) {
	var rows []gateway.Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, gateway.Wrap(gateway.Transient, "decode rows", err)
	}
	return rows, nil
}

// headerCarrier adapts fasthttp request headers for trace propagation.
type headerCarrier struct {
	h *fasthttp.RequestHeader
}

func (c headerCarrier) Get(key string) string { return string(c.h.Peek(key)) }

func (c headerCarrier) Set(key, value string) { c.h.Set(key, value) }

func (c headerCarrier) Keys() []string {
	var keys []string
	c.h.VisitAll(func(k, _ []byte) {
		keys = append(keys, string(k))
	})
	return keys
}
