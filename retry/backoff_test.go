package retry_test

import (
	"math"
	"time"

	. "github.com/dogmatiq/orchestra/retry"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("func Exponential()", func() {
	strategy := Exponential(100*time.Millisecond, 2, time.Hour)

	It("uses the initial delay after the first attempt", func() {
		Expect(strategy(nil, 1)).To(Equal(100 * time.Millisecond))
	})

	It("multiplies the delay after each subsequent attempt", func() {
		Expect(strategy(nil, 2)).To(Equal(200 * time.Millisecond))
		Expect(strategy(nil, 3)).To(Equal(400 * time.Millisecond))
		Expect(strategy(nil, 4)).To(Equal(800 * time.Millisecond))
	})

	It("caps the delay at the maximum delay", func() {
		Expect(strategy(nil, math.MaxUint32)).To(Equal(time.Hour))
	})

	It("panics if the multiplier is less than one", func() {
		Expect(func() {
			Exponential(time.Second, 0.5, time.Hour)
		}).To(PanicWith("multiplier must be at least 1"))
	})

	It("panics if the maximum is less than the initial delay", func() {
		Expect(func() {
			Exponential(time.Second, 2, time.Millisecond)
		}).To(PanicWith("maximum delay must not be less than the initial delay"))
	})
})
