package reporting

import (
	"encoding/csv"
	"strconv"
	"strings"
)

// RenderExtremaCSV renders every extremum record as CSV, one row per record.
func RenderExtremaCSV(r *Report) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	if err := w.Write([]string{"symbol", "interval", "side", "open_time", "price", "kick_count", "next_start"}); err != nil {
		return "", err
	}
	for _, s := range r.Streams {
		for _, rec := range s.Records {
			row := []string{
				s.Key.Symbol,
				s.Key.Interval.String(),
				s.Key.Side.String(),
				strconv.FormatInt(rec.OpenTime, 10),
				formatFloat(rec.Price),
				strconv.Itoa(rec.KickCount),
				strconv.FormatInt(s.NextStart, 10),
			}
			if err := w.Write(row); err != nil {
				return "", err
			}
		}
	}

	w.Flush()
	return sb.String(), w.Error()
}

// RenderLevelsCSV renders every tracked level as CSV. Levels never seen
// again have empty now_ask and life_time columns.
func RenderLevelsCSV(r *Report) (string, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	if err := w.Write([]string{"symbol", "side", "price", "quantity", "tier", "find_time", "now_ask", "life_time"}); err != nil {
		return "", err
	}
	for _, b := range r.Books {
		for _, l := range b.Levels {
			row := []string{
				b.Key.Symbol,
				b.Key.Side.String(),
				formatFloat(l.Price),
				formatFloat(l.Quantity),
				l.Tier.String(),
				strconv.FormatInt(l.FindTime, 10),
				optionalInt(l.NowAsk),
				optionalInt(l.LifeTime),
			}
			if err := w.Write(row); err != nil {
				return "", err
			}
		}
	}

	w.Flush()
	return sb.String(), w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func optionalInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
