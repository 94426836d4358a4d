// Command launcher is the interactive menu that starts one of the three
// roles: it prompts for a role number and the role-specific parameters the
// original operator workflow asks for (participant count, failsafe IP,
// server IP), then execs the corresponding single-role binary.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

func main() {
	reader := bufio.NewScanner(os.Stdin)

	fmt.Println("1 : Main Coordinator.")
	fmt.Println("2 : FailSafeCoordinator.")
	fmt.Println("3 : Participant.")
	choice := promptInt(reader, "Choice: ")

	switch choice {
	case 1:
		launchCoordinator(reader)
	case 2:
		launchFailsafe(reader)
	case 3:
		launchParticipant(reader)
	default:
		log.Fatalf("unrecognized choice %d", choice)
	}
}

func launchCoordinator(reader *bufio.Scanner) {
	n := promptInt(reader, "Enter number of participants : ")
	failsafeHost := prompt(reader, "Enter failsafe ip address : ")
	employeeName := prompt(reader, "Enter employee_name : ")
	salary := prompt(reader, "Enter salary : ")

	run("coordinator",
		"--participants", strconv.Itoa(n),
		"--failsafe-addr", failsafeHost+":8006",
		"--employee-name", employeeName,
		"--salary", salary,
	)
}

func launchFailsafe(reader *bufio.Scanner) {
	n := promptInt(reader, "Enter number of participants : ")

	run("failsafe", "--participants", strconv.Itoa(n))
}

func launchParticipant(reader *bufio.Scanner) {
	serverHost := prompt(reader, "Enter server ip address : ")
	failsafeHost := prompt(reader, "Enter failsafe ip address : ")

	run("participant",
		"--coordinator-addr", serverHost+":8005",
		"--failsafe-addr", failsafeHost+":8006",
	)
}

// run execs the named single-role binary (built from this module's
// cmd/<role>) with args, streaming its stdio straight through.
func run(role string, args ...string) {
	cmd := exec.Command("go", append([]string{"run", "./cmd/" + role}, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		log.Fatalf("failed to start %s: %v", role, err)
	}
}

func prompt(reader *bufio.Scanner, label string) string {
	fmt.Print(label)
	reader.Scan()
	return strings.TrimSpace(reader.Text())
}

func promptInt(reader *bufio.Scanner, label string) int {
	text := prompt(reader, label)
	n, err := strconv.Atoi(text)
	if err != nil {
		log.Fatalf("expected a number, got %q", text)
	}
	return n
}
