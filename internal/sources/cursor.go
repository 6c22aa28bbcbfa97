package sources

import (
	"fmt"
	"strconv"
	"strings"
)

// PageCursor is the native cursor of page-numbered upstreams. The page size
// is pinned on the first request so later pages line up with earlier ones
// even when the caller asks for a different batch size.
type PageCursor struct {
	Page int
	Size int
}

// ParsePageCursor decodes "page:size". An empty cursor starts at page 1
// with the given size.
func ParsePageCursor(cursor string, size int) (PageCursor, error) {
	if cursor == "" {
		return PageCursor{Page: 1, Size: size}, nil
	}
	pageStr, sizeStr, ok := strings.Cut(cursor, ":")
	if !ok {
		return PageCursor{}, fmt.Errorf("malformed page cursor %q", cursor)
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 1 {
		return PageCursor{}, fmt.Errorf("malformed page cursor %q", cursor)
	}
	pinned, err := strconv.Atoi(sizeStr)
	if err != nil || pinned < 1 {
		return PageCursor{}, fmt.Errorf("malformed page cursor %q", cursor)
	}
	return PageCursor{Page: page, Size: pinned}, nil
}

// Next returns the cursor for the following page.
func (c PageCursor) Next() string {
	return fmt.Sprintf("%d:%d", c.Page+1, c.Size)
}

// ParseOffset decodes an offset cursor. An empty cursor is offset 0.
func ParseOffset(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("malformed offset cursor %q", cursor)
	}
	return offset, nil
}
