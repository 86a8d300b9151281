package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"

	"hl-basis-rebalancer/internal/errdefs"
)

const StatusOK = "ok"

type FillConfirmation struct {
	OrderID  string
	Size     float64
	AvgPrice float64
}

type OrderStatus struct {
	Filled  *FillConfirmation
	Resting string
	Error   string
	Raw     map[string]any
}

type OrderResult struct {
	Status   string
	Statuses []OrderStatus
	Raw      map[string]any
}

// OrderError reports a suborder that came back without a fill.
// Entry is the raw status object as returned by the venue.
type OrderError struct {
	Index   int
	Message string
	Entry   map[string]any
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order status %d: %s", e.Index, e.Message)
}

func (e *OrderError) Unwrap() error {
	return errdefs.ErrOrder
}

// Validate checks one exchange response. The parsed result keeps the raw
// response untouched so callers can log it.
func Validate(resp map[string]any) (OrderResult, error) {
	result := ParseOrderResult(resp)
	if result.Status != StatusOK {
		detail := ""
		if resp != nil {
			detail = describe(resp["response"])
		}
		if detail == "" {
			detail = "status " + strconv.Quote(result.Status)
		}
		return result, fmt.Errorf("exchange rejected request: %s: %w", detail, errdefs.ErrRequestFailed)
	}
	for i, status := range result.Statuses {
		if status.Filled != nil {
			continue
		}
		msg := status.Error
		if msg == "" && status.Resting != "" {
			msg = "order resting without fill (oid " + status.Resting + ")"
		}
		if msg == "" {
			msg = describe(status.Raw)
		}
		return result, &OrderError{Index: i, Message: msg, Entry: status.Raw}
	}
	return result, nil
}

func ParseOrderResult(resp map[string]any) OrderResult {
	result := OrderResult{Raw: resp}
	if resp == nil {
		return result
	}
	result.Status = stringFromAny(resp["status"])
	inner, ok := resp["response"].(map[string]any)
	if !ok {
		return result
	}
	data, ok := inner["data"].(map[string]any)
	if !ok {
		return result
	}
	raw, ok := data["statuses"].([]any)
	if !ok {
		return result
	}
	result.Statuses = make([]OrderStatus, 0, len(raw))
	for _, item := range raw {
		result.Statuses = append(result.Statuses, parseOrderStatus(item))
	}
	return result
}

func parseOrderStatus(item any) OrderStatus {
	entry, ok := item.(map[string]any)
	if !ok {
		// the venue reports some outcomes as bare strings, e.g. "waitingForFill"
		return OrderStatus{Error: describe(item), Raw: map[string]any{"status": item}}
	}
	status := OrderStatus{Raw: entry}
	if filled, ok := entry["filled"].(map[string]any); ok {
		size, _ := floatFromAny(filled["totalSz"])
		px, _ := floatFromAny(filled["avgPx"])
		status.Filled = &FillConfirmation{
			OrderID:  stringFromAny(filled["oid"]),
			Size:     size,
			AvgPrice: px,
		}
	}
	if resting, ok := entry["resting"].(map[string]any); ok {
		status.Resting = stringFromAny(resting["oid"])
	}
	if msg, ok := entry["error"]; ok {
		status.Error = describe(msg)
	}
	return status
}

// FilledSize sums the confirmed fill sizes of a validated result.
func (r OrderResult) FilledSize() float64 {
	var total float64
	for _, status := range r.Statuses {
		if status.Filled != nil {
			total += status.Filled.Size
		}
	}
	return total
}

func OrderIDFromResponse(resp map[string]any) string {
	if resp == nil {
		return ""
	}
	return orderIDFromAny(resp)
}

func describe(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatInt(int64(val), 10)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func orderIDFromAny(v any) string {
	switch val := v.(type) {
	case map[string]any:
		for _, key := range []string{"orderId", "orderID", "oid", "id"} {
			if id := stringFromAny(val[key]); id != "" {
				return id
			}
		}
		for _, nested := range val {
			if id := orderIDFromAny(nested); id != "" {
				return id
			}
		}
	case []any:
		for _, nested := range val {
			if id := orderIDFromAny(nested); id != "" {
				return id
			}
		}
	}
	return ""
}
