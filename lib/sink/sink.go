// Package sink puts fixes and flight events onto the message bus. Fixes
// are coalesced to the latest per aircraft and sent in periodic sweeps;
// flight events are rarer and go out as they happen.
package sink

import (
	"sync"
	"time"

	"github.com/hut8/soar-sub008/lib/fix"
	"github.com/hut8/soar-sub008/lib/flight"
	"github.com/hut8/soar-sub008/lib/monitoring"
)

type (
	Destination interface {
		PublishJson(subject string, msg []byte) error
		Stop()
		monitoring.HealthCheck
	}

	Sink struct {
		config *Config
		dest   Destination

		sendList      map[string]fix.Fix
		sendListMutex sync.Mutex
		sendTicker    *time.Ticker
		tickerDone    chan bool
	}
)

func NewSink(conf *Config, dest Destination) *Sink {
	s := &Sink{
		config:   conf,
		dest:     dest,
		sendList: make(map[string]fix.Fix),
	}
	if s.config.sendDelay > 0 {
		s.sendTicker = time.NewTicker(s.config.sendDelay)
		s.tickerDone = make(chan bool)
		go s.doSend()
	}
	return s
}

func (s *Sink) Stop() {
	if nil != s.sendTicker {
		s.sendTicker.Stop()
		close(s.tickerDone)
	}
	s.sendFixList()
	s.config.Finish()
	s.dest.Stop()
}

// OnFix queues (or immediately sends) one fix
func (s *Sink) OnFix(f fix.Fix) {
	if 0 == s.config.sendDelay {
		s.publishFix(f)
		return
	}
	s.sendListMutex.Lock()
	s.sendList[f.AircraftID] = f
	s.sendListMutex.Unlock()
}

// OnFlightEvent publishes a flight lifecycle event straight away
func (s *Sink) OnFlightEvent(e flight.Event) {
	buf, err := e.ToJSONBytes()
	if nil != err {
		return
	}
	if err = s.dest.PublishJson(QueueFlightEvents, buf); nil == err {
		if nil != s.config.stats.events {
			s.config.stats.events.Inc()
		}
	}
}

func (s *Sink) doSend() {
	for {
		select {
		case <-s.sendTicker.C:
			s.sendFixList()
		case <-s.tickerDone:
			return
		}
	}
}

func (s *Sink) sendFixList() {
	s.sendListMutex.Lock()
	list := s.sendList
	s.sendList = make(map[string]fix.Fix)
	s.sendListMutex.Unlock()

	for _, f := range list {
		s.publishFix(f)
	}
}

func (s *Sink) publishFix(f fix.Fix) {
	buf, err := f.ToJSONBytes()
	if nil != err {
		return
	}
	if err = s.dest.PublishJson(QueueFixUpdates, buf); nil == err {
		if nil != s.config.stats.fixes {
			s.config.stats.fixes.Inc()
		}
	}
}

func (s *Sink) HealthCheckName() string {
	return s.dest.HealthCheckName()
}

func (s *Sink) HealthCheck() bool {
	return s.dest.HealthCheck()
}
