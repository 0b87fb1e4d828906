// Package dhru implements the DHRU Fusion reseller API wire format.
package dhru

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

// Actions understood by the gateway.
const (
	ActionAccountInfo     = "accountinfo"
	ActionServiceList     = "imeiservicelist"
	ActionPlaceOrder      = "placeimeiorder"
	ActionPlaceOrderBulk  = "placeimeiorderbulk"
	ActionGetOrderDetails = "getimeiorderdetails"
)

// ErrInvalidBulkFormat is returned when bulk parameters are not a JSON object or array.
var ErrInvalidBulkFormat = errors.New("invalid bulk format")

// Request is one decoded DHRU API call.
type Request struct {
	Username string
	APIKey   string
	Action   string // lower-cased

	// Parameters is the decoded JSON payload, nil when absent or undecodable.
	Parameters json.RawMessage
}

// maxFormMemory caps the multipart body kept in memory.
const maxFormMemory = 1 << 20

// ParseRequest reads the DHRU form fields from r. Query values,
// urlencoded bodies and multipart/form-data bodies are accepted.
// On a parse error the fields that could be read are still returned.
func ParseRequest(r *http.Request) (Request, error) {
	var err error
	if isMultipart(r) {
		err = r.ParseMultipartForm(maxFormMemory)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		err = fmt.Errorf("failed to parse request form: %w", err)
	}

	form := r.Form
	return Request{
		Username:   strings.TrimSpace(form.Get("username")),
		APIKey:     form.Get("apiaccesskey"),
		Action:     strings.ToLower(strings.TrimSpace(form.Get("action"))),
		Parameters: DecodeParameters(form.Get("parameters")),
	}, err
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// MissingCredentials reports whether username, key or action is empty.
func (r Request) MissingCredentials() bool {
	return r.Username == "" || r.APIKey == "" || r.Action == ""
}

// DecodeParameters decodes a base64 JSON payload. Anything that does not
// decode to valid JSON yields nil.
func DecodeParameters(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	// Unescaped '+' arrives as a space in form encoding.
	raw = strings.ReplaceAll(raw, " ", "+")

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		data, err := enc.DecodeString(raw)
		if err != nil {
			continue
		}
		data = bytes.TrimSpace(data)
		if json.Valid(data) {
			return data
		}
		return nil
	}
	return nil
}

// OrderParams are the fields of one order.
type OrderParams struct {
	ID   string
	IMEI string
}

// Missing reports whether the service id or IMEI is empty.
func (p OrderParams) Missing() bool {
	return p.ID == "" || p.IMEI == ""
}

// OrderParams returns the ID and IMEI parameters of a single order.
func (r Request) OrderParams() OrderParams {
	return orderParams(r.Parameters)
}

// ReferenceID returns the REFERENCEID parameter.
func (r Request) ReferenceID() string {
	fields, ok := objectFields(r.Parameters)
	if !ok {
		return ""
	}
	return scalar(fields["REFERENCEID"])
}

func orderParams(raw json.RawMessage) OrderParams {
	fields, ok := objectFields(raw)
	if !ok {
		return OrderParams{}
	}
	return OrderParams{
		ID:   scalar(fields["ID"]),
		IMEI: scalar(fields["IMEI"]),
	}
}

func objectFields(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// scalar renders a JSON string or number as text. Other values are empty.
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return ""
}

// BulkItem is one entry of a bulk order, identified by its client key.
type BulkItem struct {
	Key string
	OrderParams
}

// BulkItems returns the entries of a bulk order in request order.
// A JSON array is accepted with its indexes as keys. A repeated key keeps
// its first position and its last value.
func (r Request) BulkItems() ([]BulkItem, error) {
	if len(r.Parameters) == 0 {
		return nil, ErrInvalidBulkFormat
	}

	dec := json.NewDecoder(bytes.NewReader(r.Parameters))
	tok, err := dec.Token()
	if err != nil {
		return nil, ErrInvalidBulkFormat
	}

	delim, ok := tok.(json.Delim)
	if !ok || (delim != '{' && delim != '[') {
		return nil, ErrInvalidBulkFormat
	}

	var items []BulkItem
	index := make(map[string]int)
	for i := 0; dec.More(); i++ {
		key := strconv.Itoa(i)
		if delim == '{' {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidBulkFormat, err)
			}
			key, _ = keyTok.(string)
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBulkFormat, err)
		}

		item := BulkItem{Key: key, OrderParams: orderParams(value)}
		if pos, seen := index[key]; seen {
			items[pos] = item
			continue
		}
		index[key] = len(items)
		items = append(items, item)
	}

	return items, nil
}
