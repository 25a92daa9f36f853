package flight

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigFastest

func (e *Event) ToJSONBytes() ([]byte, error) {
	return json.Marshal(e)
}

func EventFromJSONBytes(buf []byte) (*Event, error) {
	e := &Event{}
	if err := json.Unmarshal(buf, e); nil != err {
		return nil, err
	}
	return e, nil
}

func (f *Flight) ToJSONBytes() ([]byte, error) {
	return json.Marshal(f)
}

func FromJSONBytes(buf []byte) (*Flight, error) {
	f := &Flight{}
	if err := json.Unmarshal(buf, f); nil != err {
		return nil, err
	}
	return f, nil
}
