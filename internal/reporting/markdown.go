package reporting

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders report as Markdown string.
func RenderMarkdown(r *Report) string {
	var sb strings.Builder

	// Header
	sb.WriteString("# Market Structure Report\n\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Streams: %d | Books: %d\n\n", len(r.Streams), len(r.Books)))

	// Extremum stacks
	if len(r.Streams) > 0 {
		sb.WriteString("## Extremum Stacks\n\n")
	}
	for _, s := range r.Streams {
		sb.WriteString(fmt.Sprintf("### %s\n\n", s.Key))
		if s.Missing {
			sb.WriteString("No state saved yet.\n\n")
			continue
		}
		sb.WriteString(fmt.Sprintf("Next window start: %s | Look-back bars: %d | Updated: %s\n\n",
			formatMillis(s.NextStart), s.Lookback, s.UpdatedAt.UTC().Format(time.RFC3339)))
		if len(s.Records) == 0 {
			sb.WriteString("No extrema recorded.\n\n")
			continue
		}
		sb.WriteString("| Open Time | Price | Kicks |\n")
		sb.WriteString("|-----------|-------|-------|\n")
		for _, rec := range s.Records {
			sb.WriteString(fmt.Sprintf("| %s | %s | %d |\n",
				formatMillis(rec.OpenTime), formatFloat(rec.Price), rec.KickCount))
		}
		sb.WriteString("\n")
	}

	// Level lifetimes
	if len(r.Books) > 0 {
		sb.WriteString("## Order Book Levels\n\n")
	}
	for _, b := range r.Books {
		sb.WriteString(fmt.Sprintf("### %s\n\n", b.Key))
		if b.Missing {
			sb.WriteString("No state saved yet.\n\n")
			continue
		}
		sb.WriteString(fmt.Sprintf("Snapshot: %s | Levels: %d | Re-observed: %d | Tier 1/2/3: %d/%d/%d\n\n",
			formatMillis(b.SnapshotTime), len(b.Levels), b.Observed,
			b.TierCounts[1], b.TierCounts[2], b.TierCounts[3]))
		if len(b.Levels) == 0 {
			sb.WriteString("No levels tracked.\n\n")
			continue
		}
		sb.WriteString("| Price | Quantity | Tier | First Seen | Last Seen | Lifetime (s) |\n")
		sb.WriteString("|-------|----------|------|------------|-----------|--------------|\n")
		for _, l := range b.Levels {
			lastSeen, lifetime := "-", "-"
			if l.NowAsk != nil {
				lastSeen = formatMillis(*l.NowAsk)
			}
			if l.LifeTime != nil {
				lifetime = fmt.Sprintf("%.1f", float64(*l.LifeTime)/1000)
			}
			tier := l.Tier.String()
			if tier == "" {
				tier = "-"
			}
			sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %s |\n",
				formatFloat(l.Price), formatFloat(l.Quantity), tier,
				formatMillis(l.FindTime), lastSeen, lifetime))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}
