package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewTemplateID generates a template identifier of the form
// tmpl_<unix-ms>_<random>. The timestamp prefix keeps ids roughly ordered
// by creation time; the random suffix disambiguates same-millisecond
// creations.
func NewTemplateID(now time.Time) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("tmpl_%d_%s", now.UnixMilli(), suffix)
}

// NewExecutionID generates an identifier for an execution record.
// UUIDv7 keeps records sortable by creation time.
func NewExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
