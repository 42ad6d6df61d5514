package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// PaginationParams is a keyset cursor: records with an id below Before.
type PaginationParams struct {
	Limit  int
	Before uint64
}

type CursorResponse struct {
	Data       interface{} `json:"data"`
	NextCursor string      `json:"next_cursor,omitempty"`
	HasMore    bool        `json:"has_more"`
}

func ParsePagination(c *gin.Context) PaginationParams {
	p := PaginationParams{Limit: DefaultLimit}

	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			p.Limit = l
		}
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}

	if beforeStr := c.Query("before"); beforeStr != "" {
		if id, err := strconv.ParseUint(beforeStr, 10, 64); err == nil {
			p.Before = id
		}
	}

	return p
}
