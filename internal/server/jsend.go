package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// jsendify writes the JSend envelope: 2xx => success, 4xx => fail,
// 5xx => error. Strings become "message", everything else "data".
func jsendify(w http.ResponseWriter, data any, code int) {
	body := map[string]any{}
	switch {
	case code >= 200 && code < 300:
		body["status"] = "success"
	case code >= 400 && code < 500:
		body["status"] = "fail"
	default:
		body["status"] = "error"
	}
	if msg, ok := data.(string); ok {
		body["message"] = msg
	} else if data != nil {
		body["data"] = data
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

const defaultPageLimit = 25

// pageParams reads limit/page query args with their defaults.
func pageParams(r *http.Request) (limit, page int) {
	limit, page = defaultPageLimit, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			page = n
		}
	}
	return limit, page
}

// paginate writes one page of items with total, pages, and an absolute next
// URL when more remain.
func paginate(w http.ResponseWriter, r *http.Request, itemType string, items any, total, limit, page int, publicURL string) {
	pages := (total + limit - 1) / limit
	data := map[string]any{
		"total":  total,
		"pages":  pages,
		itemType: items,
	}
	if (page+1)*limit < total {
		data["next"] = fmt.Sprintf("%s%s?page=%d&limit=%d", publicURL, r.URL.Path, page+1, limit)
	}
	jsendify(w, data, http.StatusOK)
}
