package handler

import (
	"net/http"
	"strconv"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// HistoryPage pages backwards by room sequence number. Before == 0 starts at
// the newest message.
type HistoryPage struct {
	Limit  int
	Before int64
}

func ParseHistoryPage(r *http.Request) HistoryPage {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)

	if limit <= 0 || limit > MaxLimit {
		limit = DefaultLimit
	}

	if before < 0 {
		before = 0
	}

	return HistoryPage{
		Limit:  limit,
		Before: before,
	}
}
