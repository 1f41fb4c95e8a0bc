package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"traffic-violation-service/internal/domain/traffic"
)

func strPtr(s string) *string { return &s }

func TestSameSubject(t *testing.T) {
	tests := []struct {
		name string
		row  Violation
		rec  traffic.ViolationRecord
		want bool
	}{
		{
			name: "matching plate",
			row:  Violation{LicensePlate: strPtr("AB123"), ObjectID: 1},
			rec:  traffic.ViolationRecord{LicensePlate: "AB123", ObjectID: 99},
			want: true,
		},
		{
			name: "different plate",
			row:  Violation{LicensePlate: strPtr("AB123")},
			rec:  traffic.ViolationRecord{LicensePlate: "CD456"},
			want: false,
		},
		{
			name: "plated record never matches plateless row",
			row:  Violation{ObjectID: 7},
			rec:  traffic.ViolationRecord{LicensePlate: "AB123", ObjectID: 7},
			want: false,
		},
		{
			name: "plateless record never matches plated row",
			row:  Violation{LicensePlate: strPtr("AB123"), ObjectID: 7},
			rec:  traffic.ViolationRecord{ObjectID: 7},
			want: false,
		},
		{
			name: "plateless match on object id",
			row:  Violation{ObjectID: 7},
			rec:  traffic.ViolationRecord{ObjectID: 7},
			want: true,
		},
		{
			name: "plateless different object id",
			row:  Violation{ObjectID: 7},
			rec:  traffic.ViolationRecord{ObjectID: 8},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sameSubject(tt.row, &tt.rec))
		})
	}
}
