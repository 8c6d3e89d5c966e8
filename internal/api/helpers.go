package api

import (
	"net/url"
	"strconv"

	"relayer/internal/models"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// parsePagination reads ?limit= and ?offset=, ignoring invalid values
func parsePagination(query url.Values) (limit, offset int) {
	limit = defaultPageLimit
	if limitStr := query.Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= maxPageLimit {
			limit = parsed
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return limit, offset
}

// paginate returns one page of records
func paginate(records []*models.EventRecord, limit, offset int) []*models.EventRecord {
	if offset >= len(records) {
		return []*models.EventRecord{}
	}

	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	return records[offset:end]
}

// reverse returns the records newest first
func reverse(records []*models.EventRecord) []*models.EventRecord {
	out := make([]*models.EventRecord, len(records))
	for i, record := range records {
		out[len(records)-1-i] = record
	}
	return out
}
