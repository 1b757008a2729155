package model

// Fixed timeframe table. Timeframes are wire strings like "1m" or "4h";
// everything internal works in milliseconds.
var tfMillis = map[string]int64{
	"1m":  60_000,
	"5m":  300_000,
	"15m": 900_000,
	"30m": 1_800_000,
	"1h":  3_600_000,
	"4h":  14_400_000,
	"1d":  86_400_000,
}

// TFMillis returns the duration of one bar of the given timeframe in ms.
func TFMillis(tf string) (int64, bool) {
	ms, ok := tfMillis[tf]
	return ms, ok
}

// TFMinutes returns the bar duration in whole minutes (0 if unknown).
func TFMinutes(tf string) int {
	ms, ok := tfMillis[tf]
	if !ok {
		return 0
	}
	return int(ms / 60_000)
}

// KnownTF reports whether tf is in the fixed table.
func KnownTF(tf string) bool {
	_, ok := tfMillis[tf]
	return ok
}

// NormalizeMS accepts a timestamp in seconds or milliseconds and returns
// milliseconds. Heuristic: values above 1e12 are already ms (1e12 ms is
// Sep 2001; 1e12 s is far future).
func NormalizeMS(ts int64) int64 {
	if ts > 1_000_000_000_000 {
		return ts
	}
	return ts * 1000
}
