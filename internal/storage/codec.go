package storage

import (
	"encoding/json"
	"errors"

	"spikecore/internal/model"
)

const (
	CurrentSchemaVersion = model.CurrentSchemaVersion
	CurrentCodecVersion  = model.CurrentCodecVersion
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeModelRecord(r model.ModelRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeModelRecord(data []byte) (model.ModelRecord, error) {
	var record model.ModelRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.ModelRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.ModelRecord{}, err
	}
	return record, nil
}

func EncodeRunRecord(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRunRecord(data []byte) (model.RunRecord, error) {
	var record model.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return record, nil
}

func EncodeProbeSeries(series []model.ProbeSeries) ([]byte, error) {
	return json.Marshal(series)
}

func DecodeProbeSeries(data []byte) ([]model.ProbeSeries, error) {
	var series []model.ProbeSeries
	if err := json.Unmarshal(data, &series); err != nil {
		return nil, err
	}
	return series, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
