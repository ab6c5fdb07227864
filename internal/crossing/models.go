package crossing

import (
	"time"

	"pivotwatch/internal/pivot"
)

// Direction is the side price approaches a level from.
type Direction string

const (
	Up   Direction = "up"   // price at or below the level
	Down Direction = "down" // price above the level
)

// Alert is the intent emitted for a qualifying crossing. It is handed to the
// alert sink by the caller; the detector never delivers it.
type Alert struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Level      pivot.LevelName `json:"level"`
	LevelValue float64         `json:"levelValue"`
	Price      float64         `json:"price"`
	Distance   float64         `json:"distance"`
	Direction  Direction       `json:"direction"`
	Time       time.Time       `json:"time"`
}

// Match is the nearest level within threshold.
type Match struct {
	Level     pivot.LevelName
	Value     float64
	Distance  float64
	Direction Direction
}
