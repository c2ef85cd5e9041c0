// =============================================================================
// 文件: internal/metrics/rtt.go
// 描述: RTT 估算 (RFC 6298) - 由确认时延样本推算建议超时
// =============================================================================
package metrics

import (
	"sync"
	"time"
)

const (
	rttAlpha = 0.125 // SRTT 平滑因子 (1/8)
	rttBeta  = 0.25  // RTTVAR 因子 (1/4)

	minSuggestedRTO = 10 * time.Millisecond
	maxSuggestedRTO = 60 * time.Second
)

// RTTEstimator 平滑 RTT 估算器
//
// 窗口超时在传输期间固定不变，估算结果只用于观测和调参建议。
type RTTEstimator struct {
	smoothedRTT time.Duration
	rttVariance time.Duration
	minRTT      time.Duration
	maxRTT      time.Duration
	samples     uint64

	mu sync.RWMutex
}

// RTTSnapshot 估算快照
type RTTSnapshot struct {
	Smoothed time.Duration
	Variance time.Duration
	Min      time.Duration
	Max      time.Duration
	Samples  uint64
}

// NewRTTEstimator 创建估算器
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{}
}

// Update 加入一个样本，非正值忽略
func (r *RTTEstimator) Update(sample time.Duration) {
	if sample <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples++
	if r.minRTT == 0 || sample < r.minRTT {
		r.minRTT = sample
	}
	if sample > r.maxRTT {
		r.maxRTT = sample
	}

	if r.samples == 1 {
		r.smoothedRTT = sample
		r.rttVariance = sample / 2
		return
	}

	// RTTVAR = (1 - beta) * RTTVAR + beta * |SRTT - R|
	diff := r.smoothedRTT - sample
	if diff < 0 {
		diff = -diff
	}
	r.rttVariance = time.Duration(float64(r.rttVariance)*(1-rttBeta) + float64(diff)*rttBeta)

	// SRTT = (1 - alpha) * SRTT + alpha * R
	r.smoothedRTT = time.Duration(float64(r.smoothedRTT)*(1-rttAlpha) + float64(sample)*rttAlpha)
}

// SuggestedTimeout RTO = SRTT + 4*RTTVAR，无样本时返回 0
func (r *RTTEstimator) SuggestedTimeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.samples == 0 {
		return 0
	}
	rto := r.smoothedRTT + 4*r.rttVariance
	if rto < minSuggestedRTO {
		rto = minSuggestedRTO
	}
	if rto > maxSuggestedRTO {
		rto = maxSuggestedRTO
	}
	return rto
}

// Snapshot 获取当前估算
func (r *RTTEstimator) Snapshot() RTTSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RTTSnapshot{
		Smoothed: r.smoothedRTT,
		Variance: r.rttVariance,
		Min:      r.minRTT,
		Max:      r.maxRTT,
		Samples:  r.samples,
	}
}
