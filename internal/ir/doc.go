// Package ir provides the typed values, rows and compiled configuration
// specs shared by every martsync package.
//
// ir imports nothing internal. All other internal packages import ir.
//
// Key design constraints:
//   - NO float values: money, rates and percentages are Decimal
//   - Dates are calendar days in UTC; timestamps are UTC instants
//   - Row hashes use canonical JSON with NFC-normalized strings
//   - All JSON tags use snake_case
package ir
