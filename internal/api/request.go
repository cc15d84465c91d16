package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// maxBodyBytes bounds JSON request bodies
const maxBodyBytes = 1 << 20

// params reads named values from the query string, falling back to a
// JSON body when one was sent
type params struct {
	query url.Values
	body  map[string]any
}

func readParams(r *http.Request) (*params, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	return &params{query: r.URL.Query(), body: body}, nil
}

// readBody decodes a JSON object body. An empty body is an empty object.
func readBody(r *http.Request) (map[string]any, error) {
	body := map[string]any{}
	if r.Body == nil || r.Body == http.NoBody {
		return body, nil
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, &ValidationError{Message: fmt.Sprintf("request body must be a JSON object: %v", err)}
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

// get returns the query value of key, else the body value
func (p *params) get(key string) any {
	if v := p.query.Get(key); v != "" {
		return v
	}
	if v, ok := p.body[key]; ok {
		return v
	}
	return nil
}

// missing lists the keys whose values are not truthy
func missing(get func(string) any, keys ...string) []string {
	var out []string
	for _, key := range keys {
		if !truthy(get(key)) {
			out = append(out, key)
		}
	}
	return out
}

// truthy mirrors JSON-world truthiness: null, false, 0, NaN and "" are
// falsy, anything else (including empty arrays and objects) is truthy
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0 && !math.IsNaN(x)
	case int:
		return x != 0
	default:
		return true
	}
}

// intValue converts a query string or JSON number into an int
func intValue(key string, v any) (int, error) {
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, &ValidationError{Message: fmt.Sprintf("%s must be an integer", key)}
		}
		return int(x), nil
	case int:
		return x, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, &ValidationError{Message: fmt.Sprintf("%s must be an integer", key)}
		}
		return n, nil
	default:
		return 0, &ValidationError{Message: fmt.Sprintf("%s must be an integer", key)}
	}
}

// optionalInt is nil when v is absent or empty, otherwise an int
func optionalInt(key string, v any) (any, error) {
	if !truthy(v) {
		return nil, nil
	}
	return intValue(key, v)
}

// intOr is def when v is absent or empty, otherwise an int
func intOr(key string, v any, def int) (int, error) {
	if v == nil || v == "" {
		return def, nil
	}
	return intValue(key, v)
}

// optionalString is nil when v is absent or empty
func optionalString(v any) any {
	if !truthy(v) {
		return nil
	}
	return v
}

// field returns the body value of key
func (p *params) field(key string) any {
	return p.body[key]
}
