package sim

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"
)

var _ = Describe("SerialEngine", func() {
	var (
		mockCtrl *gomock.Controller
		engine   *SerialEngine
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		engine = NewSerialEngine()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	stubEvent := func(t SimTime, seq uint64, h Handler) *MockEvent {
		evt := NewMockEvent(mockCtrl)
		evt.EXPECT().Time().Return(t).AnyTimes()
		evt.EXPECT().Sequence().Return(seq).AnyTimes()
		evt.EXPECT().Handler().Return(h).AnyTimes()
		return evt
	}

	It("should run events in time order", func() {
		handler1 := NewMockHandler(mockCtrl)
		handler2 := NewMockHandler(mockCtrl)
		evt1 := stubEvent(4, 1, handler1)
		evt2 := stubEvent(2, 2, handler2)
		evt3 := stubEvent(3, 3, handler1)
		evt4 := stubEvent(5, 4, handler1)

		handleEvt2 := handler2.EXPECT().Handle(evt2).Do(func(e Event) {
			engine.Schedule(evt3)
			engine.Schedule(evt4)
		})
		handleEvt3 := handler1.EXPECT().
			Handle(evt3).Do(func(e Event) {}).After(handleEvt2)
		handleEvt1 := handler1.EXPECT().
			Handle(evt1).Do(func(e Event) {}).After(handleEvt3)
		handler1.EXPECT().
			Handle(evt4).Do(func(e Event) {}).After(handleEvt1)

		engine.Schedule(evt1)
		engine.Schedule(evt2)

		_ = engine.Run()
	})

	It("should run same-time events in submission order", func() {
		handler1 := NewMockHandler(mockCtrl)
		handler2 := NewMockHandler(mockCtrl)
		evt1 := stubEvent(2, 1, handler1)
		evt2 := stubEvent(2, 2, handler2)

		handleEvt1 := handler1.EXPECT().Handle(evt1)
		handler2.EXPECT().Handle(evt2).After(handleEvt1)

		engine.Schedule(evt1)
		engine.Schedule(evt2)

		_ = engine.Run()
	})

	It("should assign increasing sequence numbers", func() {
		handler := NewMockHandler(mockCtrl)
		handler.EXPECT().Handle(gomock.Any()).AnyTimes()

		evt1 := NewEventBase(1, handler)
		evt2 := NewEventBase(1, handler)

		engine.Schedule(evt1)
		engine.Schedule(evt2)

		Expect(evt2.Sequence() > evt1.Sequence()).To(BeTrue())

		_ = engine.Run()
	})

	It("should panic when scheduling in the past", func() {
		handler := NewMockHandler(mockCtrl)
		evtNow := stubEvent(10, 1, handler)
		evtPast := stubEvent(5, 2, handler)

		handler.EXPECT().Handle(evtNow).Do(func(e Event) {
			Expect(func() { engine.Schedule(evtPast) }).To(Panic())
		})

		engine.Schedule(evtNow)

		_ = engine.Run()
	})

	It("should track the current time", func() {
		handler := NewMockHandler(mockCtrl)
		evt := stubEvent(7, 1, handler)

		handler.EXPECT().Handle(evt).Do(func(e Event) {
			Expect(engine.CurrentTime()).To(Equal(SimTime(7)))
		})

		engine.Schedule(evt)

		_ = engine.Run()

		Expect(engine.CurrentTime()).To(Equal(SimTime(7)))
	})
})
