package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xtxerr/beacon/internal/errors"
	"github.com/xtxerr/beacon/internal/schema"
	"github.com/xtxerr/beacon/internal/telemetry"
)

// exprMode selects how a field is projected out of a row.
type exprMode int

const (
	// exprNumber projects a DOUBLE; the field must be numeric.
	exprNumber exprMode = iota
	// exprString projects an unquoted VARCHAR for grouping.
	exprString
	// exprJSON projects the raw JSON text, preserving the field's type.
	exprJSON
)

// systemColumns maps system attribute names to telemetry table columns.
var systemColumns = map[string]string{
	"batteryLevel":   "battery_level",
	"signalStrength": "signal_strength",
	"lat":            "lat",
	"lon":            "lon",
	"alt":            "alt",
	"quality":        "quality",
}

// valueExprs resolves each field to a SQL projection expression. System
// attributes read their columns directly; mapped fields extract from the
// custom bag via their extraction path. Resolution failures carry the
// offending field and fail the whole query.
func (e *Engine) valueExprs(ctx context.Context, tenantID, deviceType string, fields []string, mode exprMode) ([]string, error) {
	exprs := make([]string, 0, len(fields))

	for _, field := range fields {
		if col, ok := systemColumns[field]; ok {
			switch mode {
			case exprString:
				exprs = append(exprs, "CAST("+col+" AS VARCHAR)")
			default:
				exprs = append(exprs, "CAST("+col+" AS DOUBLE)")
			}
			continue
		}

		m, err := e.resolver.Resolve(ctx, tenantID, deviceType, field)
		if err != nil {
			return nil, err
		}

		path, err := telemetry.JSONPath(m.ExtractionPath)
		if err != nil {
			return nil, errors.WithField(err, field)
		}
		quoted := "'" + strings.ReplaceAll(path, "'", "''") + "'"

		switch mode {
		case exprNumber:
			if m.DataType != schema.TypeNumber {
				return nil, errors.WithField(
					errors.Wrapf(errors.ErrInvalidRequest, "aggregation requires a numeric field, %s is %s", field, m.DataType), field)
			}
			exprs = append(exprs, "TRY_CAST(json_extract_string(custom, "+quoted+") AS DOUBLE)")
		case exprString:
			exprs = append(exprs, "json_extract_string(custom, "+quoted+")")
		case exprJSON:
			exprs = append(exprs, "CAST(json_extract(custom, "+quoted+") AS VARCHAR)")
		}
	}

	return exprs, nil
}

// aggregationExpr renders an aggregation over the named projection.
func aggregationExpr(agg telemetry.Aggregation, v string) (string, error) {
	switch agg {
	case telemetry.AggAvg:
		return "avg(" + v + ")", nil
	case telemetry.AggSum:
		return "sum(" + v + ")", nil
	case telemetry.AggMin:
		return "min(" + v + ")", nil
	case telemetry.AggMax:
		return "max(" + v + ")", nil
	case telemetry.AggCount:
		return "CAST(COUNT(" + v + ") AS DOUBLE)", nil
	case telemetry.AggFirst:
		return "arg_min(" + v + ", ts_ms)", nil
	case telemetry.AggLast:
		return "arg_max(" + v + ", ts_ms)", nil
	default:
		if agg.IsPercentile() {
			return fmt.Sprintf("quantile_cont(%s, %g)", v, agg.Quantile()), nil
		}
		return "", errors.Wrapf(errors.ErrInvalidRequest, "unsupported aggregation %q", agg)
	}
}

// deviceFilter appends an optional device-id filter to the inner select.
func deviceFilter(sb *strings.Builder, args *[]interface{}, deviceIDs []string) {
	if len(deviceIDs) == 0 {
		return
	}
	sb.WriteString(" WHERE device_id IN (")
	for i, id := range deviceIDs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("?")
		*args = append(*args, id)
	}
	sb.WriteString(")")
}

func validateRange(tr telemetry.TimeRange) error {
	if tr.StartMs >= tr.EndMs {
		return errors.Wrap(errors.ErrInvalidRequest, "time range start must precede end")
	}
	return nil
}

// scanDataPoints drains an aggregate result set.
func scanDataPoints(rows *sql.Rows) ([]telemetry.DataPoint, error) {
	defer rows.Close()

	var points []telemetry.DataPoint
	for rows.Next() {
		var p telemetry.DataPoint
		var value sql.NullFloat64
		if err := rows.Scan(&p.TimestampMs, &value, &p.Count); err != nil {
			return nil, errors.Wrap(err, "scan data point")
		}
		p.Value = value.Float64
		points = append(points, p)
	}
	return points, rows.Err()
}

// scanLatest drains a latest-value result set. The projected value arrives
// as JSON text for mapped fields and as a double for system attributes.
func scanLatest(rows *sql.Rows, field string) ([]telemetry.LatestValue, error) {
	defer rows.Close()

	var results []telemetry.LatestValue
	for rows.Next() {
		var lv telemetry.LatestValue
		var raw interface{}
		if err := rows.Scan(&lv.DeviceID, &raw, &lv.TimestampMs); err != nil {
			return nil, errors.Wrap(err, "scan latest value")
		}
		lv.Field = field

		switch x := raw.(type) {
		case float64:
			lv.Value = telemetry.Number(x)
		case int64:
			lv.Value = telemetry.Number(float64(x))
		case string:
			v, err := telemetry.ParseValue([]byte(x))
			if err != nil {
				return nil, errors.Wrapf(err, "decode latest value for %s", field)
			}
			lv.Value = v
		case []byte:
			v, err := telemetry.ParseValue(x)
			if err != nil {
				return nil, errors.Wrapf(err, "decode latest value for %s", field)
			}
			lv.Value = v
		case nil:
			lv.Value = telemetry.Null()
		default:
			return nil, errors.Wrapf(errors.ErrInternal, "unexpected latest value type %T", raw)
		}

		results = append(results, lv)
	}
	return results, rows.Err()
}
