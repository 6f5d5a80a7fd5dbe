package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"time"
)

// simulates a device pushing a random walk around Monas
func main() {
	addr := flag.String("addr", "localhost:4444", "feed address")
	deviceId := flag.String("device", "fake-1", "device id")
	interval := flag.Duration("interval", 2*time.Second, "fix interval")
	flag.Parse()

	c, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatal(err)
	}
	r := bufio.NewReader(c)
	login := fmt.Sprintf(`{"type":"login","data":{"device_id":%q,"name":"fake device"}}`+"\n", *deviceId)
	if _, err := c.Write([]byte(login)); err != nil {
		log.Fatal(err)
	}
	ack, err := r.ReadString('\n')
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("login reply: %s", ack)

	lat, lon := -6.1754, 106.8272
	for {
		lat += (rand.Float64() - 0.5) * 0.0002
		lon += (rand.Float64() - 0.5) * 0.0002
		frame := map[string]interface{}{
			"type": "location",
			"data": map[string]interface{}{
				"latitude":  lat,
				"longitude": lon,
				"accuracy":  5 + rand.Float32()*10,
				"timestamp": time.Now().UnixNano() / int64(time.Millisecond),
				"provider":  "gps",
			},
		}
		b, _ := json.Marshal(frame)
		b = append(b, '\n')
		if _, err := c.Write(b); err != nil {
			log.Fatal(err)
		}
		time.Sleep(*interval)
	}
}
