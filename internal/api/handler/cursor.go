package handler

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cuongbtq/node-events/internal/queue"
)

// JobCursor points at the next page of a job listing
type JobCursor struct {
	State  queue.State
	Offset int64
}

func DecodeJobCursor(cursorStr string) (*JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var offset int64
	if _, err = fmt.Sscanf(decodedParts[0], "%d", &offset); err != nil {
		return nil, fmt.Errorf("invalid offset in cursor: %w", err)
	}
	if offset < 0 {
		return nil, fmt.Errorf("invalid offset in cursor: %d", offset)
	}

	state, err := queue.ParseState(decodedParts[1])
	if err != nil {
		return nil, err
	}

	return &JobCursor{State: state, Offset: offset}, nil
}

func EncodeJobCursor(cursor *JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.Offset, cursor.State)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
