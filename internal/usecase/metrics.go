package usecase

import "context"

// MetricsSummary represents aggregated recognition insights.
type MetricsSummary struct {
	EnrolledFaces        int64   `json:"enrolled_faces"`
	TotalIdentifies      int64   `json:"total_identifies"`
	MatchedIdentifies    int64   `json:"matched_identifies"`
	MatchRate            float64 `json:"match_rate"`
	AverageMatchDistance float64 `json:"average_match_distance"`
}

// GetMetricsSummary aggregates recognition metrics from persisted records.
func (uc *RecognitionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		EnrolledFaces:        aggregation.EnrolledFaces,
		TotalIdentifies:      aggregation.TotalIdentifies,
		MatchedIdentifies:    aggregation.MatchedIdentifies,
		AverageMatchDistance: aggregation.AverageMatchDistance,
	}

	if aggregation.TotalIdentifies > 0 {
		summary.MatchRate = float64(aggregation.MatchedIdentifies) / float64(aggregation.TotalIdentifies)
	}

	return summary, nil
}
