package loader

import (
	"fmt"
	"math"
	"time"

	"github.com/kalambet/searchpulse/internal/storage"
)

func checkKey(property string, start, end time.Time, rowProperty, page string, date time.Time) error {
	if rowProperty != property {
		return fmt.Errorf("property %q does not match run property %q", rowProperty, property)
	}
	if page == "" {
		return fmt.Errorf("empty page")
	}
	if date.IsZero() {
		return fmt.Errorf("missing date")
	}
	d := storage.Day(date)
	if d.Before(start) || d.After(end) {
		return fmt.Errorf("date %s outside window %s..%s",
			storage.FormatDay(d), storage.FormatDay(start), storage.FormatDay(end))
	}
	return nil
}

func validateSearch(property string, start, end time.Time, f storage.SearchFact) error {
	if err := checkKey(property, start, end, f.Property, f.Page, f.Date); err != nil {
		return err
	}
	switch {
	case f.Clicks < 0 || f.Impressions < 0:
		return fmt.Errorf("negative counts clicks=%d impressions=%d", f.Clicks, f.Impressions)
	case f.Clicks > f.Impressions:
		return fmt.Errorf("clicks %d exceed impressions %d", f.Clicks, f.Impressions)
	case math.IsNaN(f.CTR) || f.CTR < 0 || f.CTR > 1:
		return fmt.Errorf("ctr %v out of range", f.CTR)
	case math.IsNaN(f.Position) || math.IsInf(f.Position, 0) || f.Position < 0:
		return fmt.Errorf("position %v out of range", f.Position)
	case f.Impressions > 0 && f.Position < 1:
		return fmt.Errorf("position %v below 1 with %d impressions", f.Position, f.Impressions)
	}
	return nil
}

func validateBehavior(property string, start, end time.Time, f storage.BehaviorFact) error {
	if err := checkKey(property, start, end, f.Property, f.Page, f.Date); err != nil {
		return err
	}
	switch {
	case f.Sessions < 0 || f.EngagedSessions < 0 || f.Conversions < 0:
		return fmt.Errorf("negative counts")
	case f.EngagedSessions > f.Sessions:
		return fmt.Errorf("engaged sessions %d exceed sessions %d", f.EngagedSessions, f.Sessions)
	}
	return nil
}
