package dhru

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// APIVersion is reported in every top-level envelope.
const APIVersion = "6.1"

// Wire messages.
const (
	MsgAccountInfo       = "Account Info"
	MsgServiceList       = "Service List"
	MsgOrderReceived     = "Order received"
	MsgOrderInfo         = "Order Info"
	MsgMissingParameters = "Missing parameters"
	MsgTooManyRequests   = "Too many requests"
	MsgAuthFailed        = "Authentication Failed"
	MsgInvalidAction     = "Invalid Action"
	MsgMissingOrderData  = "Missing order data"
	MsgInvalidIMEIFormat = "Invalid IMEI format"
	MsgInvalidService    = "Invalid Service"
	MsgNotEnoughCredits  = "Not enough credits"
	MsgInvalidBulkFormat = "Invalid bulk format"
	MsgMissingData       = "Missing data"
	MsgInvalidIMEI       = "Invalid IMEI"
	MsgMissingReference  = "Missing Reference ID"
	MsgOrderNotFound     = "Order not found"
	MsgInternalError     = "Internal error"
)

// Envelope is the SUCCESS or ERROR wrapper of a DHRU response.
type Envelope struct {
	Success    []any     `json:"SUCCESS,omitempty"`
	Error      []Message `json:"ERROR,omitempty"`
	APIVersion string    `json:"apiversion,omitempty"`
}

// Message is a bare MESSAGE entry.
type Message struct {
	Message string `json:"MESSAGE"`
}

// Success wraps payload in a versioned SUCCESS envelope.
func Success(payload any) Envelope {
	return Envelope{Success: []any{payload}, APIVersion: APIVersion}
}

// Error builds a versioned ERROR envelope.
func Error(message string) Envelope {
	return Envelope{Error: []Message{{Message: message}}, APIVersion: APIVersion}
}

// AccountInfoResult is the accountinfo payload.
type AccountInfoResult struct {
	Message     string      `json:"MESSAGE"`
	AccountInfo AccountInfo `json:"AccoutInfo"`
}

// AccountInfo describes the reseller's balance.
type AccountInfo struct {
	Credit   string `json:"credit"`
	Mail     string `json:"mail"`
	Currency string `json:"currency"`
}

// ServiceListResult is the imeiservicelist payload. List holds either
// grouped JSON or the XML compatibility fragment.
type ServiceListResult struct {
	Message string `json:"MESSAGE"`
	List    any    `json:"LIST"`
}

// OrderResult acknowledges an accepted order.
type OrderResult struct {
	Message     string `json:"MESSAGE"`
	ReferenceID string `json:"REFERENCEID"`
}

// OrderInfoResult is the getimeiorderdetails payload.
type OrderInfoResult struct {
	Message string    `json:"MESSAGE"`
	Order   OrderInfo `json:"Order"`
}

// OrderInfo describes one order.
type OrderInfo struct {
	ReferenceID string `json:"REFERENCEID"`
	IMEI        string `json:"IMEI"`
	Status      string `json:"STATUS"`
	Result      string `json:"RESULT"`
}

// BulkResponse is the keyed per-item result of a bulk order. It encodes
// as a JSON object whose keys keep request order.
type BulkResponse []BulkResult

// BulkResult is one item of a bulk response. Items carry no apiversion.
type BulkResult struct {
	Key      string
	Envelope Envelope
}

// Add appends a successful item.
func (b *BulkResponse) Add(key string, payload any) {
	*b = append(*b, BulkResult{Key: key, Envelope: Envelope{Success: []any{payload}}})
}

// AddError appends a failed item.
func (b *BulkResponse) AddError(key, message string) {
	*b = append(*b, BulkResult{Key: key, Envelope: Envelope{Error: []Message{{Message: message}}}})
}

// MarshalJSON implements json.Marshaler.
func (b BulkResponse) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, item := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(item.Key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(item.Envelope)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Write encodes v as the response body. DHRU clients read the envelope,
// so the status is always 200.
func Write(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
