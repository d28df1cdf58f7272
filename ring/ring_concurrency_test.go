// ring_concurrency_test.go exercises the MPSC contract under genuine
// concurrent load: many producer goroutines racing Push while a single
// consumer goroutine drains via Pop, with Len() sampled concurrently from a
// third goroutine the way the admin metrics sampler does.
package ring_test

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ccsuper1024/embedded-backend/ring"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Ring under concurrent load", func() {
	var r *ring.Ring[int]

	BeforeEach(func() {
		r = ring.New[int](256)
	})

	Context("many producers, one consumer", func() {
		It("delivers every pushed item exactly once", func() {
			const producers = 16
			const perProducer = 500
			total := producers * perProducer

			var pushed atomic.Int64
			var wg sync.WaitGroup
			wg.Add(producers)
			for p := 0; p < producers; p++ {
				go func() {
					defer wg.Done()
					for i := 0; i < perProducer; i++ {
						for !r.Push(1) {
							time.Sleep(time.Microsecond)
						}
						pushed.Add(1)
					}
				}()
			}

			popped := 0
			done := make(chan struct{})
			go func() {
				defer close(done)
				for popped < total {
					if _, ok := r.Pop(); ok {
						popped++
					} else {
						time.Sleep(time.Microsecond)
					}
				}
			}()

			wg.Wait()
			Eventually(done, 10*time.Second).Should(BeClosed())
			Expect(popped).To(Equal(total))
			Expect(pushed.Load()).To(Equal(int64(total)))
		})

		It("never reports occupancy above capacity while Len is sampled concurrently", func() {
			stop := make(chan struct{})
			var maxSeen atomic.Int64

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
						r.Push(1)
					}
				}
			}()
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
						r.Pop()
					}
				}
			}()

			for i := 0; i < 200; i++ {
				if l := int64(r.Len()); l > maxSeen.Load() {
					maxSeen.Store(l)
				}
				time.Sleep(100 * time.Microsecond)
			}
			close(stop)
			wg.Wait()

			Expect(maxSeen.Load()).To(BeNumerically("<=", int64(r.Cap())))
		})
	})

	Context("a full ring", func() {
		It("rejects further pushes without blocking any goroutine", func() {
			small := ring.New[int](4)
			for i := 0; i < 4; i++ {
				Expect(small.Push(i)).To(BeTrue())
			}

			rejected := make(chan bool, 1)
			go func() {
				rejected <- small.Push(99)
			}()

			Eventually(rejected, time.Second).Should(Receive(BeFalse()))
		})
	})
})
