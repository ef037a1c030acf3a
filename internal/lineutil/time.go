package lineutil

import "time"

var taipeiTZ = loadTaipei()

func loadTaipei() *time.Location {
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		// No tzdata in the image; Taiwan has no DST.
		return time.FixedZone("Asia/Taipei", 8*60*60)
	}
	return loc
}

// TaipeiLocation returns the Asia/Taipei location used for display and
// scheduling.
func TaipeiLocation() *time.Location {
	return taipeiTZ
}

// FormatTaipei formats t in Taipei time.
func FormatTaipei(t time.Time, layout string) string {
	return t.In(taipeiTZ).Format(layout)
}
