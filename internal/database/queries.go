package database

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// Candle operations

// UpsertCandles inserts bars, replacing any existing bar with the same
// symbol+timeframe+open time. The refresher re-fetches a rolling window, so
// the newest (possibly still-forming) bar is overwritten every scan.
func (s *Store) UpsertCandles(ctx context.Context, candles []HourlyCandle) error {
	if len(candles) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "timeframe"}, {Name: "open_time"}},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume", "trades"}),
	}).Create(&candles).Error
}

// RecentCandles returns up to limit bars for symbol+timeframe, oldest first.
func (s *Store) RecentCandles(ctx context.Context, symbol, timeframe string, limit int) ([]HourlyCandle, error) {
	var rows []HourlyCandle
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("open_time DESC").Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order for the indicator math.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// LatestCandle returns the newest bar for symbol+timeframe.
func (s *Store) LatestCandle(ctx context.Context, symbol, timeframe string) (*HourlyCandle, error) {
	var row HourlyCandle
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ?", symbol, timeframe).
		Order("open_time DESC").First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Indicator operations

// UpsertIndicators replaces the bundle for symbol at its timestamp.
func (s *Store) UpsertIndicators(ctx context.Context, bundle *IndicatorBundle) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}, {Name: "timestamp"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"rsi14", "macd", "macd_signal", "macd_hist",
			"bb_upper", "bb_middle", "bb_lower", "atr14", "volume_sma20",
		}),
	}).Create(bundle).Error
}

// LatestIndicators returns the newest bundle for symbol.
func (s *Store) LatestIndicators(ctx context.Context, symbol string) (*IndicatorBundle, error) {
	var row IndicatorBundle
	err := s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("timestamp DESC").First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Funding operations

// UpsertFunding stores the current funding rate for symbol.
func (s *Store) UpsertFunding(ctx context.Context, symbol string, rate float64, at time.Time) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"rate", "timestamp", "updated_at"}),
	}).Create(&FundingRate{Symbol: symbol, Rate: rate, Timestamp: at}).Error
}

// LatestFunding returns the stored funding rate for symbol.
func (s *Store) LatestFunding(ctx context.Context, symbol string) (*FundingRate, error) {
	var row FundingRate
	err := s.db.WithContext(ctx).Where("symbol = ?", symbol).First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Prediction operations

// SavePrediction inserts one scored prediction.
func (s *Store) SavePrediction(ctx context.Context, p *Prediction) error {
	return s.db.WithContext(ctx).Create(p).Error
}

// UpdatePrediction applies a partial update by id.
func (s *Store) UpdatePrediction(ctx context.Context, id string, fields map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&Prediction{}).Where("id = ?", id).Updates(fields).Error
}

// UnvalidatedPredictions returns up to limit predictions older than cutoff
// that have not been validated yet, oldest first.
func (s *Store) UnvalidatedPredictions(ctx context.Context, cutoff time.Time, limit int) ([]Prediction, error) {
	var rows []Prediction
	err := s.db.WithContext(ctx).
		Where("validated_at IS NULL AND timestamp < ?", cutoff).
		Order("timestamp ASC").Limit(limit).
		Find(&rows).Error
	return rows, err
}

// PredictionsByScan returns all predictions recorded for one scan.
func (s *Store) PredictionsByScan(ctx context.Context, scanID string) ([]Prediction, error) {
	var rows []Prediction
	err := s.db.WithContext(ctx).Where("scan_id = ?", scanID).Find(&rows).Error
	return rows, err
}

// Independent position operations

// SaveIndependentPosition inserts a new position record.
func (s *Store) SaveIndependentPosition(ctx context.Context, p *IndependentPosition) error {
	return s.db.WithContext(ctx).Create(p).Error
}

// UpdateIndependentPosition applies a partial update by id.
func (s *Store) UpdateIndependentPosition(ctx context.Context, id string, fields map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&IndependentPosition{}).Where("id = ?", id).Updates(fields).Error
}

// IndependentPositionByID returns the record regardless of status.
func (s *Store) IndependentPositionByID(ctx context.Context, id string) (*IndependentPosition, error) {
	var row IndependentPosition
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// ActiveIndependentPositions returns all positions in {open, confirmed}.
func (s *Store) ActiveIndependentPositions(ctx context.Context) ([]IndependentPosition, error) {
	var rows []IndependentPosition
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{StatusOpen, StatusConfirmed}).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// ActiveIndependentPosition returns the {open, confirmed} position for
// symbol, or ErrNotFound.
func (s *Store) ActiveIndependentPosition(ctx context.Context, symbol string) (*IndependentPosition, error) {
	var row IndependentPosition
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND status IN ?", symbol, []string{StatusOpen, StatusConfirmed}).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Copy trade operations

// SaveCopyTrade appends one telemetry row for an executed action.
func (s *Store) SaveCopyTrade(ctx context.Context, t *CopyTrade) error {
	return s.db.WithContext(ctx).Create(t).Error
}

// RecentCopyTrades returns the newest telemetry rows, newest first.
func (s *Store) RecentCopyTrades(ctx context.Context, limit int) ([]CopyTrade, error) {
	var rows []CopyTrade
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
