package service

import (
	"encoding/json"

	"gorm.io/datatypes"
)

func encodeNotes(notes map[string]string) datatypes.JSON {
	if len(notes) == 0 {
		return datatypes.JSON("{}")
	}
	raw, err := json.Marshal(notes)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}
