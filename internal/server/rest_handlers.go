package server

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"chatsync/internal/gateway"
	"chatsync/internal/middleware"

	"github.com/gofiber/fiber/v2"
)

const maxSelectLimit = 1000

// client returns the gateway bound to the authenticated caller.
func (s *Server) client(c *fiber.Ctx) gateway.Client {
	return s.gateway.As(middleware.UserID(c))
}

// parseQuery reads select, order and limit plus one "col=op.value" filter
// per remaining query parameter.
func parseQuery(c *fiber.Ctx) (gateway.Query, error) {
	q := gateway.Query{Table: c.Params("table")}
	var err error
	c.Context().QueryArgs().VisitAll(func(k, v []byte) {
		if err != nil {
			return
		}
		key, val := string(k), string(v)
		switch key {
		case "select":
			if val == "*" {
				return
			}
			for _, col := range strings.Split(val, ",") {
				if col = strings.TrimSpace(col); col != "" {
					q.Columns = append(q.Columns, col)
				}
			}
		case "order":
			q.Order, err = gateway.ParseOrder(val)
		case "limit":
			n, perr := strconv.Atoi(val)
			if perr != nil || n < 0 {
				err = gateway.NewError(gateway.Invalid, "PGRST100", "limit must be a non-negative integer")
				return
			}
			q.Limit = min(n, maxSelectLimit)
		default:
			var f gateway.Filter
			if f, err = gateway.ParseFilter(key, val); err == nil {
				q.Filters = append(q.Filters, f)
			}
		}
	})
	return q, err
}

func preferRepresentation(c *fiber.Ctx) bool {
	return strings.Contains(c.Get("Prefer"), "return=representation")
}

func preferCount(c *fiber.Ctx) bool {
	return strings.Contains(c.Get("Prefer"), "count=exact")
}

func decodeRow(body []byte) (gateway.Row, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var rows []gateway.Row
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, gateway.Wrap(gateway.Invalid, "invalid JSON body", err)
		}
		if len(rows) != 1 {
			return nil, gateway.NewError(gateway.Invalid, "PGRST100", "exactly one row per request is supported")
		}
		return rows[0], nil
	}
	var row gateway.Row
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, gateway.Wrap(gateway.Invalid, "invalid JSON body", err)
	}
	return row, nil
}

// SelectRows handles GET and HEAD /rest/v1/:table
func (s *Server) SelectRows(c *fiber.Ctx) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	gw := s.client(c)

	if c.Method() == fiber.MethodHead {
		n, err := gw.Count(ctx, q)
		if err != nil {
			return err
		}
		c.Set("Content-Range", "*/"+strconv.Itoa(n))
		return c.SendStatus(fiber.StatusOK)
	}

	rows, err := gw.Select(ctx, q)
	if err != nil {
		return err
	}
	if preferCount(c) {
		n, err := gw.Count(ctx, gateway.Query{Table: q.Table, Filters: q.Filters})
		if err != nil {
			return err
		}
		span := "*"
		if len(rows) > 0 {
			span = "0-" + strconv.Itoa(len(rows)-1)
		}
		c.Set("Content-Range", span+"/"+strconv.Itoa(n))
	}
	if rows == nil {
		rows = []gateway.Row{}
	}
	return c.JSON(rows)
}

// InsertRow handles POST /rest/v1/:table
func (s *Server) InsertRow(c *fiber.Ctx) error {
	row, err := decodeRow(c.Body())
	if err != nil {
		return err
	}
	created, err := s.client(c).Insert(c.UserContext(), c.Params("table"), row)
	if err != nil {
		return err
	}
	if !preferRepresentation(c) {
		return c.SendStatus(fiber.StatusCreated)
	}
	return c.Status(fiber.StatusCreated).JSON([]gateway.Row{created})
}

// UpdateRows handles PATCH /rest/v1/:table
func (s *Server) UpdateRows(c *fiber.Ctx) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	patch, err := decodeRow(c.Body())
	if err != nil {
		return err
	}
	rows, err := s.client(c).Update(c.UserContext(), q.Table, q.Filters, patch)
	if err != nil {
		return err
	}
	if !preferRepresentation(c) {
		return c.SendStatus(fiber.StatusNoContent)
	}
	if rows == nil {
		rows = []gateway.Row{}
	}
	return c.JSON(rows)
}

// DeleteRows handles DELETE /rest/v1/:table
func (s *Server) DeleteRows(c *fiber.Ctx) error {
	q, err := parseQuery(c)
	if err != nil {
		return err
	}
	if err := s.client(c).Delete(c.UserContext(), q.Table, q.Filters); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// CallRPC handles POST /rest/v1/rpc/:fn
func (s *Server) CallRPC(c *fiber.Ctx) error {
	var args gateway.Row
	if body := bytes.TrimSpace(c.Body()); len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			return gateway.Wrap(gateway.Invalid, "invalid JSON body", err)
		}
	}
	out, err := s.client(c).RPC(c.UserContext(), c.Params("fn"), args)
	if err != nil {
		return err
	}
	if out == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(out)
}
