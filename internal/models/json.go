package models

import (
	"encoding/json"

	"github.com/jmoiron/sqlx/types"
)

// JSONText stores JSON arrays/objects in TEXT columns.
type JSONText = types.JSONText

// MustJSON marshals v for storage in a JSONText column. Inputs are
// in-process values, so a marshal failure is a programming error.
func MustJSON(v any) JSONText {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return JSONText(b)
}
