// Package campaign implements the campaign lifecycle state machine.
//
// The service layer owns every status transition. Once a campaign leaves
// draft the engine has exclusive ownership of the record: counters move
// only through atomic SQL increments and the status only through
// compare-and-swap transitions, so a stale writer can never resurrect a
// terminal campaign.
//
// Repository implementations live in repository/postgres/ and
// repository/memory/.
package campaign
