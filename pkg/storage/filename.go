package storage

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var whitespace = strings.NewReplacer(" ", "", "\t", "", "\n", "", "\r", "")

// NewFilename generates a collision-resistant stored name for an upload:
// a unix-millis prefix followed by the original name with whitespace stripped.
func NewFilename(original string) string {
	base := whitespace.Replace(filepath.Base(original))
	if base == "" || base == "." {
		base = "upload"
	}
	return strconv.FormatInt(time.Now().UTC().UnixMilli(), 10) + "-" + base
}
