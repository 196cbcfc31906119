package gateway

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/fortiblox/multiclient/pkg/request"
)

// args are the named arguments of one method call, taken from the query
// string or from a JSON-RPC params object.
type args map[string]string

func queryArgs(q url.Values) args {
	a := make(args, len(q))
	for k, v := range q {
		if len(v) > 0 {
			a[k] = v[0]
		}
	}
	return a
}

// objectArgs flattens a JSON object. Strings are unquoted and every other
// value keeps its JSON text.
func objectArgs(raw json.RawMessage) (args, error) {
	a := args{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return a, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, badRequest("params must be an object")
	}
	for k, v := range obj {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			a[k] = s
			continue
		}
		a[k] = string(v)
	}
	return a, nil
}

func (a args) has(name string) bool {
	v, ok := a[name]
	return ok && v != "" && v != "null"
}

func (a args) required(name string) (string, error) {
	if !a.has(name) {
		return "", badRequest("missing parameter %s", name)
	}
	return a[name], nil
}

func (a args) optInt32(name string) (*int32, error) {
	if !a.has(name) {
		return nil, nil
	}
	v, err := strconv.ParseInt(a[name], 10, 32)
	if err != nil {
		return nil, badRequest("invalid %s: %s", name, a[name])
	}
	n := int32(v)
	return &n, nil
}

func (a args) optInt64(name string) (*int64, error) {
	if !a.has(name) {
		return nil, nil
	}
	v, err := strconv.ParseInt(a[name], 10, 64)
	if err != nil {
		return nil, badRequest("invalid %s: %s", name, a[name])
	}
	return &v, nil
}

func (a args) requiredInt32(name string) (int32, error) {
	v, err := a.optInt32(name)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, badRequest("missing parameter %s", name)
	}
	return *v, nil
}

func (a args) requiredInt64(name string) (int64, error) {
	v, err := a.optInt64(name)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, badRequest("missing parameter %s", name)
	}
	return *v, nil
}

// parameters reads the routing parameters: mode, indexes (comma separated
// or a JSON array), clients_number and archival.
func (a args) parameters() (request.Parameters, error) {
	var p request.Parameters

	mode, err := request.ParseMode(a["mode"])
	if err != nil {
		return p, err
	}
	p.Mode = mode

	if _, ok := a["indexes"]; ok {
		list := strings.Trim(strings.TrimSpace(a["indexes"]), "[]")
		p.LiteServerIndexes = []int{}
		for _, f := range strings.Split(list, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			idx, err := strconv.Atoi(f)
			if err != nil {
				return p, badRequest("invalid indexes: %s", a["indexes"])
			}
			p.LiteServerIndexes = append(p.LiteServerIndexes, idx)
		}
	}

	if a.has("clients_number") {
		n, err := strconv.Atoi(a["clients_number"])
		if err != nil {
			return p, badRequest("invalid clients_number: %s", a["clients_number"])
		}
		p.ClientsNumber = request.Clients(n)
	}

	if a.has("archival") {
		b, err := strconv.ParseBool(a["archival"])
		if err != nil {
			return p, badRequest("invalid archival: %s", a["archival"])
		}
		p.Archival = b
	}

	return p, p.Validate()
}
