package fix

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigFastest

func (f *Fix) ToJSONBytes() ([]byte, error) {
	return json.Marshal(f)
}

func FromJSONBytes(buf []byte) (*Fix, error) {
	f := &Fix{}
	if err := json.Unmarshal(buf, f); nil != err {
		return nil, err
	}
	return f, nil
}

func (r *RawReport) ToJSONBytes() ([]byte, error) {
	return json.Marshal(r)
}

func RawReportFromJSONBytes(buf []byte) (*RawReport, error) {
	r := &RawReport{}
	if err := json.Unmarshal(buf, r); nil != err {
		return nil, err
	}
	return r, nil
}
