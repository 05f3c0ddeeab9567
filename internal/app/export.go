package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"compliance-custody/internal/events"
)

// Export renders ledger records as CSV and/or a PNG chart of cumulative volume.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openDatabase(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Reconcile.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListRecordsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no records found for export window")
		return nil
	}

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, records); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		series := downsamplePoints(cumulativeVolume(records), opts.MaxPoints)
		a.Logger.Info().Int("total", len(records)).Int("points", len(series)).Msg("rendering volume chart")
		if err := writeVolumePNG(opts.PNGPath, series); err != nil {
			return err
		}
	}

	return nil
}

// volumePoint is the running volume per record kind after one record.
type volumePoint struct {
	At         time.Time
	Deposit    decimal.Decimal
	Withdrawal decimal.Decimal
	Transfer   decimal.Decimal
}

func cumulativeVolume(records []events.Record) []volumePoint {
	points := make([]volumePoint, 0, len(records))
	var current volumePoint
	for _, rec := range records {
		amount := decimal.NewFromBigInt(rec.Amount.ToBig(), 0)
		switch rec.Kind {
		case events.Deposit:
			current.Deposit = current.Deposit.Add(amount)
		case events.Withdrawal:
			current.Withdrawal = current.Withdrawal.Add(amount)
		case events.Transfer:
			current.Transfer = current.Transfer.Add(amount)
		default:
			continue
		}
		current.At = rec.At
		points = append(points, current)
	}
	return points
}

func downsamplePoints(points []volumePoint, max int) []volumePoint {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]volumePoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeRecordsCSV(path string, records []events.Record) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"id", "at", "kind", "source", "destination", "currency", "amount", "authorization_id"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		destination := ""
		if rec.Destination != (common.Address{}) {
			destination = rec.Destination.Hex()
		}
		row := []string{
			rec.ID.String(),
			rec.At.UTC().Format(time.RFC3339Nano),
			string(rec.Kind),
			rec.Source.Hex(),
			destination,
			rec.Currency.Hex(),
			rec.Amount.Dec(),
			rec.AuthorizationID,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeVolumePNG(path string, points []volumePoint) error {
	if len(points) < 2 {
		return errors.New("need at least two movement records to chart volume")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	deposits := make([]float64, len(points))
	withdrawals := make([]float64, len(points))
	transfers := make([]float64, len(points))

	for i, p := range points {
		x[i] = p.At
		deposits[i] = p.Deposit.InexactFloat64()
		withdrawals[i] = p.Withdrawal.InexactFloat64()
		transfers[i] = p.Transfer.InexactFloat64()
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Cumulative volume (base units)",
			ValueFormatter: amountFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{Name: "Deposits", XValues: x, YValues: deposits},
			chart.TimeSeries{Name: "Withdrawals", XValues: x, YValues: withdrawals},
			chart.TimeSeries{Name: "Transfers", XValues: x, YValues: transfers},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
