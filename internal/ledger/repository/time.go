package repository

import "time"

// Timestamps are persisted as unix microseconds.

func toStored(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromStored(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func now() time.Time {
	return time.Now().UTC()
}
