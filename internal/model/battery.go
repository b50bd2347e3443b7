package model

import "time"

type Battery struct {
	Serial      string
	Capacity    int
	PercentFull int
	Temperature int
	MaxCellTemp int
	LedStatus   int
}

type BatteriesSample struct {
	Time      time.Time
	Batteries []Battery
}
