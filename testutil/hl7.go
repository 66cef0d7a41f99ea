package testutil

import "strings"

// CBCControlID is the MSH-10 of CBCMessage.
const CBCControlID = "MSG123456"

// CBCMessage is a complete blood count ORU^R01 with three numeric results.
var CBCMessage = strings.Join([]string{
	`MSH|^~\&|PANTHER|LAB|LABFLOW|HOSPITAL|20251016120000||ORU^R01|MSG123456|P|2.5`,
	`PID|1||12345678^^^MRN||García^Juan^Carlos||19850315|M`,
	`OBR|1|ORD123|LAB456|58410-2^CBC panel^LN|||20251016115500||||||||||||||||||F`,
	`OBX|1|NM|718-7^Hemoglobin^LN||14.5|g/dL|13.5-17.5|N|||F|||20251016120000`,
	`OBX|2|NM|6690-2^WBC^LN||7500|cells/uL|4500-11000|N|||F|||20251016120000`,
	`OBX|3|NM|777-3^Platelets^LN||250000|cells/uL|150000-400000|N|||F|||20251016120000`,
}, "\r")

// ORUMessage builds an ORU^R01 with the given control id and OBX lines.
func ORUMessage(controlID string, obx ...string) string {
	lines := []string{
		`MSH|^~\&|PANTHER|LAB|LABFLOW|HOSPITAL|20251016120000||ORU^R01|` + controlID + `|P|2.5`,
		`PID|1||12345678^^^MRN||García^Juan^Carlos||19850315|M`,
		`OBR|1|ORD123|LAB456|58410-2^CBC panel^LN|||20251016115500||||||||||||||||||F`,
	}
	return strings.Join(append(lines, obx...), "\r")
}

// ADTMessage is a structurally valid message of a type LabBridge does not process.
var ADTMessage = strings.Join([]string{
	`MSH|^~\&|REGADT|MCM|LABFLOW|HOSPITAL|20251016120000||ADT^A01|ADT0001|P|2.5`,
	`EVN|A01|20251016120000`,
	`PID|1||12345678^^^MRN||García^Juan^Carlos||19850315|M`,
}, "\r")

// NoHeaderMessage lacks an MSH segment.
var NoHeaderMessage = strings.Join([]string{
	`PID|1||12345678^^^MRN||García^Juan^Carlos||19850315|M`,
	`OBX|1|NM|718-7^Hemoglobin^LN||14.5|g/dL|13.5-17.5|N|||F`,
}, "\r")
