package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/kflash/qspinor/qspiflash"
	"github.com/kflash/qspinor/transport"
)

func main() {
	dev := flag.String("dev", "/dev/spidev0.0", "spidev device to use")
	freq := flag.Uint("freq", 0, "SPI clock in Hz (0 leaves the bus driver's default)")

	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		log.Fatalln("usage: qspinor [-dev path] [-freq hz] inspect|read|program|erase ...")
	}

	spi, err := transport.OpenSpidev(*dev)
	if err != nil {
		log.Fatalln(err)
	}
	defer spi.Close()

	d, err := qspiflash.New(qspiflash.Config{
		ChipSelect:  *dev,
		FrequencyHz: uint32(*freq),
		Log:         func(format string, a ...any) { log.Printf(format, a...) },
	}, spi)
	if err != nil {
		log.Fatalln(err)
	}
	defer d.Close()

	if err := d.Init(); err != nil {
		log.Fatalln(err)
	}
	defer d.Deinit()

	switch args[0] {
	case "inspect":
		cmdInspect(d)
	case "read":
		cmdRead(d, args[1:])
	case "program":
		cmdProgram(d, args[1:])
	case "erase":
		cmdErase(d, args[1:])
	default:
		log.Fatalln("unknown subcommand:", args[0])
	}
}

func cmdInspect(d *qspiflash.Device) {
	fmt.Printf("size:       %d bytes\n", d.Size())
	fmt.Printf("page size:  %d bytes\n", d.PageSize())
}

func cmdRead(d *qspiflash.Device, args []string) {
	if len(args) != 2 {
		log.Fatalln("usage: qspinor read <addr> <length> >out.bin")
	}
	addr := parseUint32(args[0])
	length := parseUint32(args[1])

	buf := make([]byte, length)
	if err := d.Read(addr, buf); err != nil {
		log.Fatalln(err)
	}
	if _, err := os.Stdout.Write(buf); err != nil {
		log.Fatalln(err)
	}
}

func cmdProgram(d *qspiflash.Device, args []string) {
	if len(args) != 2 {
		log.Fatalln("usage: qspinor program <addr> <file>")
	}
	addr := parseUint32(args[0])

	buf, err := os.ReadFile(args[1])
	if err != nil {
		log.Fatalln(err)
	}
	if err := d.Program(addr, buf); err != nil {
		log.Fatalln(err)
	}
}

func cmdErase(d *qspiflash.Device, args []string) {
	if len(args) != 2 {
		log.Fatalln("usage: qspinor erase <addr> <length>")
	}
	addr := parseUint32(args[0])
	length := parseUint32(args[1])

	if err := d.Erase(addr, length); err != nil {
		log.Fatalln(err)
	}
}

func parseUint32(s string) uint32 {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		log.Fatalln(err)
	}
	return uint32(n)
}
