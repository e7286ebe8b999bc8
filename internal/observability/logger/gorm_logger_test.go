package logger

import "testing"

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT * FROM bookings":                             "SELECT",
		"  insert into payments (payment_id) values (?)":    "INSERT",
		"WITH x AS (SELECT 1) UPDATE bookings SET status=?": "SELECT",
		"":                                                   "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Fatalf("operationFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}
