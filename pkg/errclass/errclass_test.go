package errclass

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyAntminerLog(t *testing.T) {
	log := "Jan  1 00:00:01 load chain 2 start\n" +
		"Jan  1 00:00:02 chain 2 EEPROM error, skip\n" +
		"Jan  1 00:00:03 monitor ERROR_FAN_LOST\n" +
		"Jan  1 00:00:04 monitor ERROR_FAN_LOST\n"

	assert.Equal(t, []string{"Chain 2 EEPROM error", "Fan lost"}, Classify(log, Antminer))
}

func TestClassifyMinervaSubstitutesEveryGroup(t *testing.T) {
	log := "[2023] failed to init chip3/7\n[2023] Error: fan 1 failed\n"
	assert.Equal(t, []string{"Failed to init board 3 chip 7", "Fan 1 failed"}, Classify(log, Minerva))
}

func TestClassifyWhatsminerCodes(t *testing.T) {
	codes := "111\n351\n2010\n5110\n"
	assert.Equal(t, []string{
		"All pools disabled",
		"Board 0 frequency up timeout",
		"Board 1 overheating",
		"Fan 1 speed error",
	}, Classify(codes, Whatsminer))
}

func TestClassifyWhatsminerCodesAreAnchored(t *testing.T) {
	// 2010 must not also match the three digit code 201.
	assert.Equal(t, []string{"All pools disabled"}, Classify("2010", Whatsminer))
	assert.Empty(t, Classify("99999", Whatsminer))
}

func TestClassifyEmpty(t *testing.T) {
	assert.Empty(t, Classify("", Antminer))
	assert.Empty(t, Classify("all good", Minerva))
}

func TestRuleMessage(t *testing.T) {
	r := rule(`x(\d)`, "{} and {}")
	assert.Equal(t, "4 and {}", r.Message([]string{"x4", "4"}))
	assert.Equal(t, "plain", rule(`p`, "plain").Message([]string{"p"}))
}
