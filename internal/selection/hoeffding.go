package selection

import (
	"fmt"
	"math"
)

// HoeffdingThreshold returns the divergence a window of n flows may reach
// under nominal traffic with probability at most falseAlarmRate:
//
//	-(1/n) ln(falseAlarmRate) + 5 ln(n) / n
func HoeffdingThreshold(n int, falseAlarmRate float64) (float64, error) {
	if n < 1 {
		return 0, fmt.Errorf("hoeffding threshold: need at least one flow, got %d", n)
	}
	if !(falseAlarmRate > 0 && falseAlarmRate < 1) {
		return 0, fmt.Errorf("hoeffding threshold: false alarm rate %g outside (0, 1)", falseAlarmRate)
	}
	N := float64(n)
	return -1/N*math.Log(falseAlarmRate) + 5*math.Log(N)/N, nil
}
