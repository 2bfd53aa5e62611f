package payout

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Schedule holds the payout percentage of each level, level 1 first.
type Schedule []decimal.Decimal

// DefaultSchedule pays 10%, 5%, 3%, 2% and 1% to levels 1 through 5.
var DefaultSchedule = Schedule{
	decimal.NewFromInt(10),
	decimal.NewFromInt(5),
	decimal.NewFromInt(3),
	decimal.NewFromInt(2),
	decimal.NewFromInt(1),
}

var hundred = decimal.NewFromInt(100)

// ParseSchedule reads a comma separated list of percentages such as
// "10,5,3,2,1" or "10%, 5%".
func ParseSchedule(s string) (sched Schedule, err error) {
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSuffix(strings.TrimSpace(field), "%")
		if field == "" {
			continue
		}
		pct, err := decimal.NewFromString(field)
		if err != nil {
			return nil, errors.Wrapf(err, "schedule entry %q", field)
		}
		sched = append(sched, pct)
	}
	err = sched.Validate()
	return
}

// Validate checks that no entry is negative and that the entries do
// not add up to more than the whole sale.
func (sched Schedule) Validate() error {
	sum := decimal.Zero
	for i, pct := range sched {
		if pct.IsNegative() {
			return errors.Wrapf(ErrInvariantViolation, "schedule level %d is negative: %s", i+1, pct)
		}
		sum = sum.Add(pct)
	}
	if sum.GreaterThan(hundred) {
		return errors.Wrapf(ErrInvariantViolation, "schedule sums to %s%%", sum)
	}
	return nil
}

// Payout is the amount level earns on a sale of amount, rounded
// half-up to cents.  Levels beyond the schedule earn nothing.
func (sched Schedule) Payout(amount decimal.Decimal, level int) decimal.Decimal {
	if level < 1 || level > len(sched) {
		return decimal.Zero
	}
	return amount.Mul(sched[level-1]).Shift(-2).Round(2)
}

func (sched Schedule) String() string {
	parts := make([]string, len(sched))
	for i, pct := range sched {
		parts[i] = pct.String()
	}
	return strings.Join(parts, ",")
}
