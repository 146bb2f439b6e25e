package money

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		cur     Currency
		want    int64
		wantErr error
	}{
		{name: "whole shillings", in: "500", cur: KES, want: 50000},
		{name: "cents", in: "1250.50", cur: KES, want: 125050},
		{name: "surrounding space", in: " 10.5 ", cur: KES, want: 1050},
		{name: "zero minor unit currency", in: "2000", cur: UGX, want: 2000},
		{name: "too precise", in: "10.005", cur: KES, wantErr: ErrExcessPrecision},
		{name: "fraction on zero minor unit currency", in: "10.5", cur: UGX, wantErr: ErrExcessPrecision},
		{name: "garbage", in: "ten", cur: KES, wantErr: ErrInvalidAmount},
		{name: "unknown currency", in: "1", cur: "XXX", wantErr: ErrUnknownCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.in, tt.cur)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, New(tt.want, tt.cur), got)
		})
	}
}

func TestMoneyFormatting(t *testing.T) {
	m := New(50000, KES)
	require.Equal(t, "500.00", m.MajorString())
	require.Equal(t, "KSh 500.00", m.String())
	require.True(t, m.IsPositive())

	require.Equal(t, "2000", New(2000, UGX).MajorString())
	require.Equal(t, "7 XYZ (minor)", New(7, "XYZ").String())
}
