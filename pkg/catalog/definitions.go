package catalog

import (
	p "github.com/netscope-io/netscope/pkg/pattern"
	t "github.com/netscope-io/netscope/pkg/types"
)

// Names referenced outside the table.
const (
	NameNetScopeDaemon  = "NetScope Daemon"
	NameGateway         = "Gateway"
	NameDockerContainer = "Docker Container"
	NameDnsServer       = "Dns Server"
)

// noOtherGateway holds while no gateway-type service has been matched on the host.
func noOtherGateway(mc *p.MatchContext) bool {
	for _, s := range mc.AlreadyMatched {
		if s.Gateway {
			return false
		}
	}
	return true
}

// containerUnclaimed holds while no service has claimed the observed container.
func containerUnclaimed(mc *p.MatchContext) bool {
	if mc.Container == nil {
		return false
	}
	for _, s := range mc.AlreadyMatched {
		if s.ContainerID == mc.Container.ID {
			return false
		}
	}
	return true
}

func builtinDefinitions() []Definition {
	return []Definition{
		// ===== NETSCOPE =====
		{
			Priority:    10,
			Name:        NameNetScopeDaemon,
			Description: "NetScope discovery daemon",
			Category:    t.CategoryNetScope,
			Pattern:     p.None(),
			Icon:        "netscope",
		},

		// ===== DNS AND AD BLOCKING =====
		{
			Priority:    100,
			Name:        "Pi-Hole",
			Description: "Network-wide ad blocking DNS service",
			Category:    t.CategoryAdBlock,
			Pattern: p.AllOf(
				p.AllOf(p.Port(t.PortDnsUdp), p.Port(t.PortDnsTcp)),
				p.Endpoint(t.PortHttp, "/admin", "pi-hole"),
			),
			Icon: "pi-hole",
		},
		{
			Priority:    110,
			Name:        "Adguard Home",
			Description: "Network-wide ad and tracker blocking",
			Category:    t.CategoryAdBlock,
			Pattern: p.AllOf(
				p.AllOf(p.Port(t.PortDnsUdp), p.Port(t.PortDnsTcp)),
				p.Endpoint(t.PortHttp, "/", "AdGuard Home"),
			),
			Icon: "adguard-home",
		},
		{
			Priority:    120,
			Name:        "pfBlockerNG",
			Description: "pfSense package for DNS/IP blocking",
			Category:    t.CategoryAdBlock,
			Pattern: p.AllOf(
				p.AllPort(t.PortDnsTcp, t.PortDnsUdp),
				p.WebService("/pfblockerng", "pfblockerng"),
			),
			Icon: "pfsense",
		},
		{
			Priority:    130,
			Name:        "Unbound DNS",
			Description: "Recursive DNS resolver with control interface",
			Category:    t.CategoryDNS,
			Pattern:     p.AllOf(p.Port(t.PortDnsUdp), p.Port(t.TCPPort(8953))),
			Icon:        "unbound",
		},
		{
			Priority:    140,
			Name:        "PowerDNS",
			Description: "Authoritative DNS server with API",
			Category:    t.CategoryDNS,
			Pattern:     p.AllOf(p.Port(t.PortDnsUdp), p.Port(t.PortDnsTcp), p.Port(t.TCPPort(8081))),
			Icon:        "powerdns",
		},

		// ===== NETWORK ACCESS =====
		{
			Priority:    200,
			Name:        "Eero Gateway",
			Description: "Eero device providing routing and gateway services",
			Category:    t.CategoryNetworkAccess,
			Pattern:     p.AllOf(p.MacVendor(p.VendorEero), p.IsGateway()),
			Icon:        "eero",
		},
		{
			Priority:    210,
			Name:        "Google Nest Router",
			Description: "Google Nest Wifi router",
			Category:    t.CategoryNetworkAccess,
			Pattern: p.AllOf(
				p.AnyOf(p.MacVendor(p.VendorNest), p.MacVendor(p.VendorGoogle)),
				p.IsGateway(),
				p.Endpoint(t.PortHttp, "/", "Nest Wifi"),
			),
			Icon: "google-home",
		},
		{
			Priority:    220,
			Name:        "Fios Gateway",
			Description: "Fios device providing routing and gateway services",
			Category:    t.CategoryNetworkAccess,
			Pattern:     p.AllOf(p.WebService("/#/login/", "fios"), p.IsGatewayIP()),
			Icon:        "fios",
		},
		{
			Priority:    230,
			Name:        "Fios Extender",
			Description: "Fios device providing mesh networking services",
			Category:    t.CategoryNetworkAccess,
			Pattern:     p.AllOf(p.Endpoint(t.PortHttp, "/#/login/", "fios"), p.Not(p.IsGateway())),
			Icon:        "fios",
		},
		{
			Priority:    240,
			Name:        "UniFi Controller",
			Description: "Ubiquiti UniFi network controller",
			Category:    t.CategoryNetworkAccess,
			Pattern:     p.Endpoint(t.PortHttpsAlt, "/manage", "UniFi"),
			Icon:        "unifi",
		},
		{
			Priority:    250,
			Name:        "UniFi Access Point",
			Description: "Ubiquiti UniFi wireless access point",
			Category:    t.CategoryNetworkAccess,
			Pattern:     p.AllOf(p.MacVendor(p.VendorUbiquiti), p.Endpoint(t.PortHttp, "/", "Unifi")),
			Icon:        "unifi",
		},
		{
			Priority:    260,
			Name:        "TP-Link EAP",
			Description: "TP-Link EAP wireless access point",
			Category:    t.CategoryNetworkAccess,
			Pattern:     p.AllOf(p.MacVendor(p.VendorTPLink), p.Endpoint(t.PortHttp, "/", "tp-link")),
			Icon:        "tp-link",
		},

		// ===== PRINTERS =====
		{
			Priority:    300,
			Name:        "Hp Printer",
			Description: "An HP Printer",
			Category:    t.CategoryPrinter,
			Pattern: p.AllOf(
				p.AnyOf(
					p.Endpoint(t.PortHttp, "/", "LaserJet"),
					p.Endpoint(t.PortHttp, "/", "DeskJet"),
					p.Endpoint(t.PortHttp, "/", "OfficeJet"),
				),
				p.AnyOf(p.Port(t.PortIpp), p.Port(t.PortLdpTcp), p.Port(t.PortLdpUdp)),
			),
			Icon: "hp",
		},
		{
			Priority:    310,
			Name:        "CUPS",
			Description: "Common Unix Printing System",
			Category:    t.CategoryPrinter,
			Pattern:     p.AllOf(p.Port(t.PortIpp), p.Endpoint(t.PortHttp, "/", "CUPS")),
			Icon:        "cups",
		},

		// ===== IOT =====
		{
			Priority:    400,
			Name:        "Philips Hue Bridge",
			Description: "Philips Hue Bridge for lighting control",
			Category:    t.CategoryIoT,
			Pattern:     p.AllOf(p.MacVendor(p.VendorPhilips), p.Endpoint(t.PortHttp, "/", "hue")),
			Icon:        "philipshue",
		},
		{
			Priority:    410,
			Name:        "Chromecast",
			Description: "Google Chromecast streaming device",
			Category:    t.CategoryIoT,
			Pattern: p.AllOf(
				p.MacVendor(p.VendorGoogle),
				p.Port(t.TCPPort(8008)),
				p.Port(t.TCPPort(8009)),
			),
			Icon: "googlecast",
		},
		{
			Priority:    420,
			Name:        "Google Home",
			Description: "Google Home smart speaker or display",
			Category:    t.CategoryIoT,
			Pattern: p.AllOf(
				p.AnyOf(p.MacVendor(p.VendorNest), p.MacVendor(p.VendorGoogle)),
				p.AllPort(t.TCPPort(8008), t.TCPPort(8009)),
			),
			Icon: "google-home",
		},
		{
			Priority:    430,
			Name:        "Nest Thermostat",
			Description: "Google Nest smart thermostat",
			Category:    t.CategoryIoT,
			Pattern: p.AllOf(
				p.AnyOf(p.MacVendor(p.VendorNest), p.MacVendor(p.VendorGoogle)),
				p.Port(t.TCPPort(9543)),
			),
			Icon: "google-home",
		},
		{
			Priority:    440,
			Name:        "Nest Protect",
			Description: "Google Nest smoke and CO detector",
			Category:    t.CategoryIoT,
			Pattern: p.AllOf(
				p.AnyOf(p.MacVendor(p.VendorNest), p.MacVendor(p.VendorGoogle)),
				p.Port(t.TCPPort(11095)),
			),
			Icon: "google-home",
		},
		{
			Priority:    450,
			Name:        "Amazon Echo",
			Description: "Amazon Echo smart speaker",
			Category:    t.CategoryIoT,
			Pattern:     p.AllOf(p.MacVendor(p.VendorAmazon), p.Port(t.TCPPort(40317))),
			Icon:        "alexa",
		},
		{
			Priority:    460,
			Name:        "Ring Doorbell",
			Description: "Ring video doorbell or security camera",
			Category:    t.CategoryIoT,
			Pattern: p.AllOf(
				p.MacVendor(p.VendorAmazon),
				p.AnyPort(t.TCPPort(8557), t.TCPPort(9998), t.TCPPort(9999), t.TCPPort(19302)),
			),
			Icon: "ring",
		},
		{
			Priority:    470,
			Name:        "Roku Media Player",
			Description: "Roku streaming device or TV",
			Category:    t.CategoryIoT,
			Pattern:     p.AllOf(p.MacVendor(p.VendorRoku), p.Port(t.TCPPort(8060))),
			Icon:        "roku",
		},
		{
			Priority:    480,
			Name:        "Sonos Speaker",
			Description: "Sonos wireless speaker system",
			Category:    t.CategoryIoT,
			Pattern: p.AllOf(
				p.MacVendor(p.VendorSonos),
				p.AnyPort(t.PortSamba, t.TCPPort(1400), t.TCPPort(1410), t.TCPPort(1843),
					t.TCPPort(3400), t.TCPPort(3401), t.TCPPort(3445), t.TCPPort(3500)),
			),
			Icon: "sonos",
		},

		// ===== STORAGE AND BACKUP =====
		{
			Priority:    500,
			Name:        "TrueNAS",
			Description: "Open-source network attached storage system",
			Category:    t.CategoryStorage,
			Pattern:     p.AllOf(p.Port(t.PortSamba), p.Endpoint(t.PortHttp, "/", "TrueNAS")),
			Icon:        "truenas",
		},
		{
			Priority:    510,
			Name:        "OpenMediaVault",
			Description: "Debian-based NAS solution",
			Category:    t.CategoryStorage,
			Pattern:     p.AllOf(p.Port(t.PortSamba), p.Endpoint(t.PortHttp, "/", "openmediavault")),
			Icon:        "openmediavault",
		},
		{
			Priority:    520,
			Name:        "Restic",
			Description: "Fast and secure backup program",
			Category:    t.CategoryBackup,
			Pattern:     p.AllOf(p.Port(t.TCPPort(8000)), p.Endpoint(t.PortHttp, "/", "restic")),
		},
		{
			Priority:    530,
			Name:        "Duplicati",
			Description: "Cross-platform backup client with encryption",
			Category:    t.CategoryBackup,
			Pattern:     p.Endpoint(t.PortHttp, "/", "Duplicati"),
			Icon:        "duplicati",
		},

		// ===== MONITORING, PROXIES AND DASHBOARDS =====
		{
			Priority:    600,
			Name:        "Prometheus",
			Description: "Time-series monitoring and alerting system",
			Category:    t.CategoryMonitoring,
			Pattern: p.AnyOf(
				p.Endpoint(t.PortHttp, "/metrics", "Prometheus"),
				p.Endpoint(t.PortHttp, "/graph", "Prometheus"),
			),
			Icon: "prometheus",
		},
		{
			Priority:    610,
			Name:        "Cloudflared",
			Description: "Cloudflare tunnel daemon",
			Category:    t.CategoryReverseProxy,
			Pattern:     p.Endpoint(t.PortHttp, "/metrics", "cloudflared"),
			Icon:        "cloudflare",
		},
		{
			Priority:    620,
			Name:        "Nginx Proxy Manager",
			Description: "Web-based Nginx proxy management interface",
			Category:    t.CategoryReverseProxy,
			Pattern:     p.Endpoint(t.PortHttp, "/", "nginx proxy manager"),
			Icon:        "nginx-proxy-manager",
		},
		{
			Priority:    630,
			Name:        "WGDashboard",
			Description: "Wireguard dashboard for managing clients and servers",
			Category:    t.CategoryDashboard,
			Pattern:     p.AllOf(p.AnyPort(t.TCPPort(10086)), p.SubnetIsNotType(t.SubnetVpnTunnel)),
			Icon:        "wireguard",
		},

		// ===== VIRTUALIZATION =====
		{
			Priority:    700,
			Name:        "Kubernetes",
			Description: "Container orchestration platform",
			Category:    t.CategoryVirtualization,
			Pattern: p.AllOf(
				p.Port(t.TCPPort(6443)),
				p.AnyOf(
					p.Port(t.TCPPort(10250)),
					p.Port(t.TCPPort(10259)),
					p.Port(t.TCPPort(10257)),
					p.Port(t.TCPPort(10256)),
				),
			),
			Icon: "kubernetes",
		},
		{
			Priority:    710,
			Name:        "Docker Swarm",
			Description: "Docker native clustering and orchestration",
			Category:    t.CategoryVirtualization,
			Pattern:     p.AllOf(p.Port(t.TCPPort(2377)), p.Port(t.TCPPort(7946))),
			Icon:        "docker",
		},
		{
			Priority:    720,
			Name:        "Docker",
			Description: "Docker container engine",
			Category:    t.CategoryVirtualization,
			Pattern:     p.DockerClient(),
			Icon:        "docker",
		},

		// ===== GENERIC FALLBACKS =====
		{
			Priority:    1000,
			Name:        NameDnsServer,
			Description: "A generic DNS resolver",
			Category:    t.CategoryDNS,
			Pattern:     p.AnyPort(t.PortDnsUdp, t.PortDnsTcp),
			Generic:     true,
		},
		{
			Priority:    1010,
			Name:        "Print Server",
			Description: "A generic printing service",
			Category:    t.CategoryPrinter,
			Pattern:     p.AnyOf(p.Port(t.PortIpp), p.Port(t.PortLdpTcp), p.Port(t.PortLdpUdp)),
			Generic:     true,
		},
		{
			Priority:    1020,
			Name:        "Workstation",
			Description: "Desktop computer for productivity work",
			Category:    t.CategoryWorkstation,
			Pattern:     p.AllOf(p.Port(t.PortRdp), p.Port(t.PortSamba)),
			Generic:     true,
		},
		{
			Priority:    1030,
			Name:        "Switch",
			Description: "Generic network switch for local area networking",
			Category:    t.CategoryNetworkCore,
			Pattern:     p.AllOf(p.Not(p.IsGatewayIP()), p.AllPort(t.PortHttp, t.PortTelnet)),
			Generic:     true,
		},
		{
			Priority:    1040,
			Name:        "Vpn Gateway",
			Description: "A generic VPN Gateway",
			Category:    t.CategoryVPN,
			Pattern:     p.AllOf(p.IsGatewayIP(), p.SubnetIsType(t.SubnetVpnTunnel)),
			Generic:     true,
		},
		{
			Priority:    1050,
			Name:        NameDockerContainer,
			Description: "A generic docker container",
			Category:    t.CategoryVirtualization,
			Pattern: p.AllOf(
				p.DockerContainer(),
				p.Custom("No other services with this container's ID have been matched", containerUnclaimed),
			),
			Generic: true,
			Icon:    "docker",
		},
		{
			Priority:    9000,
			Name:        NameGateway,
			Description: "A generic gateway",
			Category:    t.CategoryNetworkCore,
			Pattern: p.AllOf(
				p.IsGateway(),
				p.Custom("No other gateway services matched", noOtherGateway),
			),
			Generic: true,
		},
	}
}
