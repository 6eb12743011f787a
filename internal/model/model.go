package model

// Row is one record of the availability sheet, already trimmed.
//
// Day may be blank, in which case the row belongs to the most recent
// non-blank Day above it. Occupancy is blank when the slot is free.
type Row struct {
	Day       string
	Time      string
	Occupancy string
}

// Free reports whether the row offers a bookable time: it has a time label
// and nobody has claimed it.
func (r Row) Free() bool {
	return r.Time != "" && r.Occupancy == ""
}

// DayBucket groups the free time labels of one day label, in the order the
// scan first saw them.
type DayBucket struct {
	Day   string
	Times []string
}

// SlotSelection is the sampled subset of a day's free times offered to a
// user.
type SlotSelection struct {
	Day   string   `json:"day"`
	Slots []string `json:"slots"`
}
