package errclass

// Antminer matches the kernel and bmminer log of stock Antminer firmware.
var Antminer = []Rule{
	rule(`.+load chain ([0-9]).+\n.+EEPROM error`, "Chain {} EEPROM error"),
	rule(`.+ERROR_FAN_LOST`, "Fan lost"),
	rule(`.+ERROR_TEMP_TOO_HIGH`, "Temperature too high"),
	rule(`.+_read_an6_voltage`, "Read voltage failed"),
}

// Minerva matches the cgminer log of MinerVa boards. Minera front ends run
// the same miner software and share the table.
var Minerva = []Rule{
	rule(`.+Error: fan ([0-9]) failed`, "Fan {} failed"),
	rule(`.+booting board ([0-9]).+\n.+ACK not found`, "Board {} ACK not found"),
	rule(`.+voltage not up to standard`, "Voltage not up to standard"),
	rule(`.+Error: init power supply`, "Unable to init power supply"),
	rule(`.+init chip([0-9])/([0-9])`, "Failed to init board {} chip {}"),
}

// Whatsminer matches the numeric codes of get_error_code, one per line.
var Whatsminer = []Rule{
	rule(`(?m)^1[0-3]([01])$`, "Fan {} speed error"),
	rule(`(?m)^140$`, "Fan speed too high"),

	rule(`(?m)^200$`, "No power found"),
	rule(`(?m)^201$`, "Power configuration mismatch"),
	rule(`(?m)^202$`, "Power output voltage error"),
	rule(`(?m)^20[34]$`, "Power protection triggered"),
	rule(`(?m)^205$`, "Power current error"),
	rule(`(?m)^206$`, "Low input voltage"),
	rule(`(?m)^207$`, "Input current protection"),
	rule(`(?m)^210$`, "Power error status"),
	rule(`(?m)^213$`, "Input voltage and current do not match"),
	rule(`(?m)^216$`, "Power remained unchanged"),
	rule(`(?m)^217$`, "Power enable error"),
	rule(`(?m)^218$`, "Input voltage below 230V in high-perf mode"),
	rule(`(?m)^23[3-5]$`, "Power output over-temperature"),
	rule(`(?m)^(?:23[6-8]|268)$`, "Power output overcurrent"),
	rule(`(?m)^239$`, "Power output over voltage"),
	rule(`(?m)^240$`, "Power output under voltage"),
	rule(`(?m)^241$`, "Power output current imbalance"),
	rule(`(?m)^24[3-5]$`, "Power input over-temperature"),
	rule(`(?m)^(?:24[67]|269)$`, "Power input overcurrent"),
	rule(`(?m)^(?:24[89]|270)$`, "Power input over voltage"),
	rule(`(?m)^(?:25[01]|271)$`, "Power input under voltage"),
	rule(`(?m)^25[34]$`, "PSU fan error"),
	rule(`(?m)^25[56]$`, "Power output over power"),
	rule(`(?m)^257$`, "Input overcurrent protection on primary"),
	rule(`(?m)^263$`, "Power communication warning"),
	rule(`(?m)^264$`, "Power communication error"),
	rule(`(?m)^267$`, "Power watchdog error"),
	rule(`(?m)^272$`, "Excessive power output warning"),
	rule(`(?m)^273$`, "Power input power too high"),
	rule(`(?m)^274$`, "PSU fan warning"),
	rule(`(?m)^275$`, "PSU over-temperature warning"),

	rule(`(?m)^30([0-2])$`, "Board {} temperature sensor error"),
	rule(`(?m)^32([0-2])$`, "Board {} temperature reading error"),
	rule(`(?m)^329$`, "Control board temperature sensor error"),
	rule(`(?m)^35([0-2])$`, "Board {} overheating"),
	rule(`(?m)^360$`, "Board overheating"),

	rule(`(?m)^41([0-2])$`, "Board {} EEPROM detect error"),
	rule(`(?m)^42([0-2])$`, "Board {} EEPROM parse error"),
	rule(`(?m)^43([0-2])$`, "Board {} EEPROM chip bin type error"),
	rule(`(?m)^44([0-2])$`, "Board {} EEPROM chip number error"),
	rule(`(?m)^45([0-2])$`, "Board {} EEPROM transfer error"),

	rule(`(?m)^51([0-2])$`, "Board {} type error"),
	rule(`(?m)^52([0-2])$`, "Board {} bin type error"),
	rule(`(?m)^53([0-2])$`, "Board {} not found"),
	rule(`(?m)^54([0-2])$`, "Board {} read chip id error"),
	rule(`(?m)^55([0-2])$`, "Board {} bad chip"),
	rule(`(?m)^56([0-2])$`, "Board {} loss balance"),
	rule(`(?m)^511([0-2])$`, "Board {} frequency up timeout"),
	rule(`(?m)^507([0-2])$`, "Board {} water velocity abnormal"),

	rule(`(?m)^600$`, "Overheating"),
	rule(`(?m)^610$`, "Temperature too high in high-perf mode"),
	rule(`(?m)^701$`, "Control board no support chip"),
	rule(`(?m)^71[02]$`, "Control board rebooted as exception"),
	rule(`(?m)^800$`, "Cgminer checksum error"),
	rule(`(?m)^801$`, "System-monitor checksum error"),
	rule(`(?m)^802$`, "Remote-daemon checksum error"),

	rule(`(?m)^2000$`, "No pools configured"),
	rule(`(?m)^2010$`, "All pools disabled"),
	rule(`(?m)^202([0-2])$`, "Pool {} connect failure"),
	rule(`(?m)^2030$`, "High pool reject rate"),
	rule(`(?m)^2040$`, "Pool does not support asicboost"),
	rule(`(?m)^23[12]0$`, "Hashrate too low"),
	rule(`(?m)^24[12]0$`, "Hashrate loss is too high"),
	rule(`(?m)^8410$`, "Incorrect firmware version"),
	rule(`(?m)^10000[0-3]$`, "Corrupted firmware signature"),
}
